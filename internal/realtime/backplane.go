package realtime

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is a room broadcast in transit between the room manager and
// the local fan-out, possibly via another process.
type Envelope struct {
	Room        RoomID    `cbor:"1,keyasint"`
	Kind        EventKind `cbor:"2,keyasint"`
	Data        []byte    `cbor:"3,keyasint,omitempty"`
	ExcludeConn string    `cbor:"4,keyasint,omitempty"`
	ExcludeUser int64     `cbor:"5,keyasint,omitempty"`
	// IncludeUsers extends delivery to these users' connections outside
	// the room.
	IncludeUsers []int64 `cbor:"6,keyasint,omitempty"`
}

// Backplane carries room broadcasts to every process holding members of
// the room.
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	// Shared reports whether other processes receive publications.
	Shared() bool
}

// LocalBackplane delivers synchronously inside this process.
type LocalBackplane struct {
	deliver func(Envelope) int
}

func NewLocalBackplane(deliver func(Envelope) int) *LocalBackplane {
	return &LocalBackplane{deliver: deliver}
}

func (b *LocalBackplane) Publish(_ context.Context, env Envelope) error {
	b.deliver(env)
	return nil
}

func (b *LocalBackplane) Shared() bool { return false }

// Envelopes use Core Deterministic Encoding so equal broadcasts produce
// identical bytes on the wire.
var (
	envelopeEnc cbor.EncMode
	envelopeDec cbor.DecMode
)

func init() {
	var err error
	envelopeEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("realtime: CBOR encoder initialization failed: " + err.Error())
	}
	envelopeDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("realtime: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	return envelopeEnc.Marshal(env)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := envelopeDec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Room == "" || env.Kind == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing room or kind")
	}
	return env, nil
}
