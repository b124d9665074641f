package notify

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("notify: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("notify: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes an event as deterministic CBOR. Equal events encode to
// identical bytes.
func Encode(e Event) ([]byte, error) {
	data, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("notify: encode %s: %w", e.Kind, err)
	}
	return data, nil
}

// Decode parses an event written by Encode.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := decMode.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("notify: decode: %w", err)
	}
	return e, nil
}
