package runloom

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Codec encodes and decodes document payloads for one fixed encoding tag.
// Codecs are registered once at startup; there is no runtime discovery.
type Codec interface {
	// Encoding returns the tag documents encoded by this codec carry.
	Encoding() string

	Encode(v any) ([]byte, error)
	Decode(blob []byte, v any) error
}

var (
	codecMu sync.RWMutex
	codecs  = make(map[string]Codec)
)

// RegisterCodec adds a codec to the registry. It panics when the encoding
// tag is already taken, so duplicate registrations fail at startup.
func RegisterCodec(c Codec) {
	codecMu.Lock()
	defer codecMu.Unlock()
	if _, dup := codecs[c.Encoding()]; dup {
		panic(fmt.Sprintf("codec already registered for encoding %q", c.Encoding()))
	}
	codecs[c.Encoding()] = c
}

func lookupCodec(encoding string) (Codec, error) {
	codecMu.RLock()
	defer codecMu.RUnlock()
	c, ok := codecs[encoding]
	if !ok {
		return nil, fmt.Errorf("no codec registered for encoding %q", encoding)
	}
	return c, nil
}

// Document is an opaque encoded payload attached to a state, tagged with
// the encoding that produced it. The orchestration core never inspects the
// blob.
type Document struct {
	Encoding string `json:"encoding"`
	Blob     []byte `json:"blob"`

	// cache holds the value of the first successful decode.
	cache   any
	decoded bool
}

// NewDocument encodes v with the codec registered for encoding.
func NewDocument(encoding string, v any) (*Document, error) {
	codec, err := lookupCodec(encoding)
	if err != nil {
		return nil, err
	}
	blob, err := codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return &Document{Encoding: encoding, Blob: blob}, nil
}

// Decode decodes the blob into v and memoizes the result; the cached value
// is available from Cached afterwards.
func (d *Document) Decode(v any) error {
	codec, err := lookupCodec(d.Encoding)
	if err != nil {
		return err
	}
	if err := codec.Decode(d.Blob, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	d.cache = v
	d.decoded = true
	return nil
}

// Cached returns the value of the first successful Decode, if any.
func (d *Document) Cached() (any, bool) {
	return d.cache, d.decoded
}

// jsonCodec is the built-in JSON document codec.
type jsonCodec struct{}

// EncodingJSON is the encoding tag of the built-in JSON codec.
const EncodingJSON = "json"

func (jsonCodec) Encoding() string { return EncodingJSON }

func (jsonCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Decode(blob []byte, v any) error {
	return json.Unmarshal(blob, v)
}

func init() {
	RegisterCodec(jsonCodec{})
}
