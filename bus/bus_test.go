// bus/bus_test.go
package bus

import (
	"testing"

	"nvec-go/protocol"
)

func kbdEvent() *Event {
	return &Event{Type: protocol.TypeKbdEvent, Data: []byte{0x80, 0x1e}}
}

func TestDeliveryInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var order []string
	b.Register("a", protocol.MaskAll, func(*Event) Verdict { order = append(order, "a"); return NotMine })
	b.Register("b", protocol.MaskAll, func(*Event) Verdict { order = append(order, "b"); return NotMine })
	b.Register("c", protocol.MaskAll, func(*Event) Verdict { order = append(order, "c"); return NotMine })

	if v := b.Notify(kbdEvent()); v != NotMine {
		t.Fatalf("verdict %v, want NotMine", v)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestHandledStopsDelivery(t *testing.T) {
	b := NewBus()
	var hits []string
	b.Register("first", protocol.MaskAll, func(*Event) Verdict { hits = append(hits, "first"); return NotMine })
	b.Register("claimer", protocol.MaskAll, func(*Event) Verdict { hits = append(hits, "claimer"); return Handled })
	b.Register("late", protocol.MaskAll, func(*Event) Verdict { hits = append(hits, "late"); return NotMine })

	if v := b.Notify(kbdEvent()); v != Handled {
		t.Fatalf("verdict %v, want Handled", v)
	}
	if len(hits) != 2 || hits[1] != "claimer" {
		t.Fatalf("delivery continued past claim: %v", hits)
	}
}

func TestMaskFiltersTypes(t *testing.T) {
	b := NewBus()
	var kbd, ps2 int
	b.Register("kbd", protocol.MaskOf(protocol.TypeKbdEvent, protocol.TypeKbd), func(*Event) Verdict { kbd++; return NotMine })
	b.Register("ps2", protocol.MaskOf(protocol.TypePS2Event), func(*Event) Verdict { ps2++; return NotMine })

	b.Notify(kbdEvent())
	b.Notify(&Event{Type: protocol.TypePS2Event, Data: []byte{0xa1, 0x08, 0x01}})
	b.Notify(&Event{Type: protocol.TypeBat, Data: []byte{0x02, 0x02, 0x00, 0x00}})

	if kbd != 1 || ps2 != 1 {
		t.Fatalf("kbd=%d ps2=%d", kbd, ps2)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := NewBus()
	n := 0
	e := b.Register("x", protocol.MaskAll, func(*Event) Verdict { n++; return NotMine })
	b.Notify(kbdEvent())
	e.Unregister()
	b.Notify(kbdEvent())
	if n != 1 {
		t.Fatalf("callback ran %d times", n)
	}
	if b.Len() != 0 {
		t.Fatalf("Len=%d after unregister", b.Len())
	}
	// second unregister is a no-op
	e.Unregister()
}

func TestRegisterFromCallback(t *testing.T) {
	b := NewBus()
	added := false
	b.Register("adder", protocol.MaskAll, func(*Event) Verdict {
		if !added {
			added = true
			b.Register("child", protocol.MaskAll, func(*Event) Verdict { return Handled })
		}
		return NotMine
	})
	// snapshot: the child is not visited during the delivery that added it
	if v := b.Notify(kbdEvent()); v != NotMine {
		t.Fatalf("first verdict %v", v)
	}
	if v := b.Notify(kbdEvent()); v != Handled {
		t.Fatalf("second verdict %v", v)
	}
}

func TestEventPayload(t *testing.T) {
	ev := &Event{Type: protocol.TypeCntl, Data: []byte{0x07, 0x02, 0x02, 0x00}}
	if p := ev.Payload(); len(p) != 2 || p[0] != 0x02 {
		t.Fatalf("variable payload %v", p)
	}
	ev = &Event{Type: protocol.TypePS2Event, Data: []byte{0xa1, 0x08, 0x01}}
	if p := ev.Payload(); len(p) != 2 || p[0] != 0x08 {
		t.Fatalf("fixed payload %v", p)
	}
}
