package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	hades "github.com/jsierles/opscode-agent/shared"
	"github.com/jsierles/opscode-agent/shared/payload"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrNoAgent is returned when no agent is subscribed to the requested kind.
var ErrNoAgent = errors.New("no agent available")

var _ hades.JobRequester = (*Requester)(nil)

// Requester sends job requests to the agent service and waits for the reply.
type Requester struct {
	nc *nats.Conn
}

func NewRequester(nc *nats.Conn) *Requester {
	return &Requester{nc: nc}
}

// Request sends req and blocks until the agent replies or ctx is done.
// A failed job is returned as a *hades.JobError.
func (r *Requester) Request(ctx context.Context, req hades.JobRequest) (json.RawMessage, error) {
	if !req.Kind.Exposed() {
		return nil, &hades.JobError{
			Code: hades.CodeNotFound,
			Body: payload.ErrorBody{Class: payload.ClassDomain, Kind: "UnknownOperation", Message: fmt.Sprintf("operation %q is not exposed", req.Kind)},
		}
	}

	msg := nats.NewMsg(KindSubject(req.Kind))
	msg.Data = req.Payload
	msg.Header.Set(HeaderJobID, req.ID.String())
	if req.Timeout > 0 {
		msg.Header.Set(HeaderTimeout, req.Timeout.String())
	}
	if req.MemoryLimit != "" {
		msg.Header.Set(HeaderMemoryLimit, req.MemoryLimit)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	reply, err := r.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("requesting %s: %w", req.Kind, ErrNoAgent)
		}
		return nil, fmt.Errorf("requesting %s: %w", req.Kind, err)
	}

	if code := reply.Header.Get(micro.ErrorCodeHeader); code != "" {
		return nil, replyError(code, reply)
	}

	slog.Debug("Received job reply", "job_id", req.ID.String(), "kind", req.Kind, "bytes", len(reply.Data))
	return reply.Data, nil
}

func replyError(code string, reply *nats.Msg) *hades.JobError {
	var body payload.ErrorBody
	if len(reply.Data) == 0 || json.Unmarshal(reply.Data, &body) != nil {
		body = payload.ErrorBody{
			Class:   payload.ClassInfrastructure,
			Kind:    "internal",
			Message: reply.Header.Get(micro.ErrorHeader),
		}
	}
	return &hades.JobError{Code: code, Body: body}
}
