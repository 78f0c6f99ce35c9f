package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/algomatic/legengine/pkg/leg"
)

// WireEvent is the JSON wire form of a leg.Event. Kept as a distinct,
// plain-JSON-tagged struct rather than reusing leg.Event directly, so the
// on-wire shape can evolve independently of the in-process event type.
type WireEvent struct {
	Kind      string `json:"kind"`
	BarIndex  int64  `json:"bar_index"`
	LegID     int64  `json:"leg_id"`
	Direction string `json:"direction"`

	PivotPrice  string `json:"pivot_price"`
	PivotIndex  int64  `json:"pivot_index"`
	OriginPrice string `json:"origin_price"`
	OriginIndex int64  `json:"origin_index"`

	Reason    string `json:"reason,omitempty"`
	ParentID  int64  `json:"parent_id,omitempty"`
	HasParent bool   `json:"has_parent"`
}

func toWireEvent(ev leg.Event) WireEvent {
	return WireEvent{
		Kind: ev.Kind.String(), BarIndex: ev.BarIndex, LegID: int64(ev.LegID),
		Direction: ev.Direction.String(),
		PivotPrice: ev.PivotPrice.String(), PivotIndex: ev.PivotIndex,
		OriginPrice: ev.OriginPrice.String(), OriginIndex: ev.OriginIndex,
		Reason: ev.Reason, ParentID: int64(ev.ParentID), HasParent: ev.HasParent,
	}
}

// Marshal serializes a WireEvent to JSON.
func (w *WireEvent) Marshal() ([]byte, error) {
	return json.Marshal(w)
}

// UnmarshalWireEvent deserializes a WireEvent from JSON bytes.
func UnmarshalWireEvent(data []byte) (*WireEvent, error) {
	var w WireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshalling leg event JSON: %w", err)
	}
	return &w, nil
}
