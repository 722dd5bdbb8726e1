package lifecycle

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("lifecycle: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("lifecycle: CBOR decoder initialization failed: " + err.Error())
	}
}

// StartPayload is the body of a start job. ContainerRef is informational:
// the worker re-reads the current reference from the store on every
// attempt, since reconfiguration may have replaced the container.
type StartPayload struct {
	InstanceID   int64  `cbor:"instance_id"`
	ContainerRef string `cbor:"container_ref,omitempty"`
	EnqueuedAt   int64  `cbor:"enqueued_at"` // unix millis
}

// Enqueued returns EnqueuedAt as a time.
func (p StartPayload) Enqueued() time.Time {
	return time.UnixMilli(p.EnqueuedAt).UTC()
}

// EncodePayload serializes p for the queue.
func EncodePayload(p StartPayload) ([]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode start payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a queued start payload.
func DecodePayload(data []byte) (StartPayload, error) {
	var p StartPayload
	if err := decMode.Unmarshal(data, &p); err != nil {
		return StartPayload{}, fmt.Errorf("decode start payload: %w", err)
	}
	if p.InstanceID <= 0 {
		return StartPayload{}, fmt.Errorf("decode start payload: missing instance id")
	}
	return p, nil
}
