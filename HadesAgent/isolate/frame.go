package isolate

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame layout: 'H' 'J' version type, uint32 big-endian body length, body.
const (
	frameMagic0  = 'H'
	frameMagic1  = 'J'
	frameVersion = 1
	headerSize   = 8
	maxFrameSize = 64 << 20
)

type frameType byte

const (
	frameRequest frameType = 1
	frameResult  frameType = 2
	frameChunk   frameType = 3
)

var errBadFrame = errors.New("bad frame header")

// writeFrame writes header and body with a single Write.
func writeFrame(w io.Writer, t frameType, body []byte) error {
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame body of %d bytes exceeds %d", len(body), maxFrameSize)
	}
	buf := make([]byte, headerSize+len(body))
	buf[0], buf[1], buf[2], buf[3] = frameMagic0, frameMagic1, frameVersion, byte(t)
	binary.BigEndian.PutUint32(buf[4:headerSize], uint32(len(body)))
	copy(buf[headerSize:], body)
	_, err := w.Write(buf)
	return err
}

// parseHeader validates a header and returns the frame type and body length.
func parseHeader(h []byte) (frameType, int, error) {
	if h[0] != frameMagic0 || h[1] != frameMagic1 {
		return 0, 0, fmt.Errorf("%w: magic %q", errBadFrame, h[:2])
	}
	if h[2] != frameVersion {
		return 0, 0, fmt.Errorf("%w: version %d", errBadFrame, h[2])
	}
	n := binary.BigEndian.Uint32(h[4:headerSize])
	if n > maxFrameSize {
		return 0, 0, fmt.Errorf("%w: length %d", errBadFrame, n)
	}
	return frameType(h[3]), int(n), nil
}

// readFrame reads one frame. It returns io.EOF when r ends before any byte of
// the frame and io.ErrUnexpectedEOF when it ends inside the frame.
func readFrame(r io.Reader) (frameType, []byte, error) {
	var h [headerSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, nil, err
	}
	t, n, err := parseHeader(h[:])
	if err != nil {
		return 0, nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return t, body, nil
}

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// outcome is the result frame body: either a value or a failure.
type outcome struct {
	Version int             `json:"v"`
	Status  string          `json:"status"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   *failureBody    `json:"error,omitempty"`
}

type failureBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Log     string `json:"log,omitempty"`
}

// request is the frame body the parent sends on the child's stdin.
type request struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScratchDir  string          `json:"scratch_dir"`
	Stream      bool            `json:"stream,omitempty"`
	MemoryLimit int64           `json:"memory_limit,omitempty"`
}

func successOutcome(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outcome{Version: frameVersion, Status: statusSuccess, Value: raw})
}

func failureOutcome(f *Failure) []byte {
	data, err := json.Marshal(outcome{
		Version: frameVersion,
		Status:  statusFailure,
		Error:   &failureBody{Kind: f.Kind, Message: f.Message, Log: f.Log},
	})
	if err != nil {
		// Only strings are marshaled; this cannot fail.
		panic(err)
	}
	return data
}

// boundedOutcome replaces an outcome too large for a single frame with a
// ResultTooLarge failure, so the parent still gets a decodable result.
func boundedOutcome(body []byte) []byte {
	if len(body) <= maxFrameSize {
		return body
	}
	return failureOutcome(&Failure{
		Kind:    "ResultTooLarge",
		Message: fmt.Sprintf("encoded result of %d bytes exceeds %d", len(body), maxFrameSize),
	})
}

// errIncomplete reports data that ends before a full result frame.
var errIncomplete = errors.New("incomplete result frame")

// decodeResult turns everything the child wrote on the result pipe into a value
// or a *Failure. It returns errIncomplete or a *CorruptResult otherwise.
func decodeResult(data []byte) (json.RawMessage, error) {
	if len(data) < headerSize {
		return nil, errIncomplete
	}
	t, n, err := parseHeader(data[:headerSize])
	if err != nil {
		return nil, &CorruptResult{Reason: "invalid header", Err: err}
	}
	switch {
	case len(data) < headerSize+n:
		return nil, errIncomplete
	case len(data) > headerSize+n:
		return nil, &CorruptResult{Reason: fmt.Sprintf("%d trailing bytes", len(data)-headerSize-n)}
	case t != frameResult:
		return nil, &CorruptResult{Reason: fmt.Sprintf("unexpected frame type %d", t)}
	}

	var out outcome
	if err := json.Unmarshal(data[headerSize:], &out); err != nil {
		return nil, &CorruptResult{Reason: "undecodable outcome", Err: err}
	}
	if out.Version != frameVersion {
		return nil, &CorruptResult{Reason: fmt.Sprintf("outcome version %d", out.Version)}
	}

	switch out.Status {
	case statusSuccess:
		if out.Value == nil {
			return json.RawMessage("null"), nil
		}
		return out.Value, nil
	case statusFailure:
		if out.Error == nil {
			return nil, &CorruptResult{Reason: "failure without error"}
		}
		return nil, &Failure{Kind: out.Error.Kind, Message: out.Error.Message, Log: out.Error.Log}
	default:
		return nil, &CorruptResult{Reason: fmt.Sprintf("unknown status %q", out.Status)}
	}
}
