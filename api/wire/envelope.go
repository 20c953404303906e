package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/pkg/types"
)

// Version is the protocol version written into every envelope.
const Version uint16 = 1

// Kind discriminates envelopes.
type Kind string

const (
	// Worker requests.
	KindGetJob       Kind = "get_job"
	KindTransferData Kind = "transfer_data"
	KindEndJob       Kind = "end_job"

	// Coordinator replies.
	KindJob   Kind = "job"
	KindNoJob Kind = "no_job"
	KindAck   Kind = "ack"
	KindError Kind = "error"
)

var (
	// ErrVersion is returned for envelopes of another protocol version.
	ErrVersion = errors.New("wire: unsupported protocol version")
	// ErrUnknownKind is returned for envelopes with an unknown kind.
	ErrUnknownKind = errors.New("wire: unknown message kind")
	// ErrMissingCorrelation is returned when a correlated message has no id.
	ErrMissingCorrelation = errors.New("wire: missing correlation id")
)

// Envelope is the unit exchanged on a connection.
type Envelope struct {
	Version       uint16          `cbor:"v"`
	Kind          Kind            `cbor:"k"`
	Sender        string          `cbor:"s,omitempty"`
	CorrelationID string          `cbor:"c,omitempty"`
	Payload       cbor.RawMessage `cbor:"p,omitempty"`
}

// JobPayload is the body of KindJob. The model is a detached snapshot;
// no service handle crosses the process boundary.
type JobPayload struct {
	Name  string         `cbor:"name"`
	Tags  []types.Tag    `cbor:"tags,omitempty"`
	Model model.Snapshot `cbor:"model"`
}

// TransferPayload is the body of KindTransferData. Data holds the CBOR
// table, zstd-compressed when Compressed is set. Progress is the item's
// progress on the worker when the table was sent.
type TransferPayload struct {
	Table      string  `cbor:"table"`
	Rows       int     `cbor:"rows"`
	Compressed bool    `cbor:"z,omitempty"`
	Data       []byte  `cbor:"data"`
	Progress   float64 `cbor:"progress,omitempty"`
}

// Phases an item can fail in on the worker.
const (
	PhaseMaterialize = "materialize"
	PhaseRun         = "run"
)

// EndJobPayload is the body of KindEndJob. Phase tells where Error
// happened.
type EndJobPayload struct {
	Error string `cbor:"error,omitempty"`
	Phase string `cbor:"phase,omitempty"`
}

// ErrorPayload is the body of KindError.
type ErrorPayload struct {
	Message string `cbor:"message"`
}

// NewEnvelope builds an envelope with payload encoded. A nil payload
// leaves the body empty.
func NewEnvelope(kind Kind, corr string, payload any) (*Envelope, error) {
	env := &Envelope{Version: Version, Kind: kind, CorrelationID: corr}
	if payload != nil {
		data, err := Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: encode %s payload: %w", kind, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("wire: %s has no payload", e.Kind)
	}
	if err := Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Validate checks the version, the kind and the presence of a
// correlation id where one is required.
func (e *Envelope) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, e.Version)
	}
	switch e.Kind {
	case KindGetJob, KindNoJob, KindError:
		return nil
	case KindJob, KindTransferData, KindEndJob, KindAck:
		if e.CorrelationID == "" {
			return fmt.Errorf("%w on %s", ErrMissingCorrelation, e.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}

// EncodeTable packs t into a transfer payload, compressing the encoded
// table when it is larger than threshold bytes. A threshold <= 0
// disables compression.
func EncodeTable(t *types.Table, threshold int) (*TransferPayload, error) {
	data, err := Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("wire: encode table %s: %w", t.Name, err)
	}
	p := &TransferPayload{Table: t.Name, Rows: t.Len(), Data: data}
	if threshold > 0 && len(data) > threshold {
		z, err := compress(data)
		if err != nil {
			return nil, err
		}
		p.Data = z
		p.Compressed = true
	}
	return p, nil
}

// DecodeTable unpacks the carried table. limit bounds the decompressed size.
func (p *TransferPayload) DecodeTable(limit int) (*types.Table, error) {
	data := p.Data
	if p.Compressed {
		var err error
		if data, err = decompress(data, limit); err != nil {
			return nil, err
		}
	}
	var t types.Table
	if err := Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("wire: decode table %s: %w", p.Table, err)
	}
	if t.Name != p.Table {
		return nil, fmt.Errorf("wire: table name %q does not match payload %q", t.Name, p.Table)
	}
	return &t, nil
}
