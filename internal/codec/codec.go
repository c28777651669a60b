package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kafq/kafq/internal/domain"
	"github.com/kafq/kafq/internal/registry"
)

// ErrMalformedJob marks a payload that cannot be turned into a runnable
// job: unparsable bytes, a non-array args, a non-object kwargs, or a
// handler name with no registration. Callers route such records straight
// to the dead-letter topic without an execution attempt.
var ErrMalformedJob = errors.New("malformed job")

// envelope is the wire form of a job descriptor. Args and Kwargs stay raw
// so a present-but-wrong-shaped field is distinguishable from an absent one.
type envelope struct {
	ID      string          `json:"id"`
	Func    string          `json:"func"`
	Args    json.RawMessage `json:"args,omitempty"`
	Kwargs  json.RawMessage `json:"kwargs,omitempty"`
	Timeout float64         `json:"timeout,omitempty"`
	Key     string          `json:"key,omitempty"`
}

// Codec decodes raw record payloads into jobs resolved against a handler
// registry, and encodes jobs for the enqueue side.
type Codec struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Codec {
	return &Codec{registry: reg}
}

// Decode parses payload into a Job. All failures wrap ErrMalformedJob.
func (c *Codec) Decode(payload []byte) (domain.Job, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	job := domain.Job{
		ID:      env.ID,
		Func:    env.Func,
		Args:    []any{},
		Kwargs:  map[string]any{},
		Timeout: time.Duration(env.Timeout * float64(time.Second)),
	}
	if env.Key != "" {
		job.Key = []byte(env.Key)
	}

	if len(env.Args) > 0 {
		if err := json.Unmarshal(env.Args, &job.Args); err != nil {
			return domain.Job{}, fmt.Errorf("%w: args is not an array", ErrMalformedJob)
		}
	}
	if len(env.Kwargs) > 0 {
		if err := json.Unmarshal(env.Kwargs, &job.Kwargs); err != nil {
			return domain.Job{}, fmt.Errorf("%w: kwargs is not an object", ErrMalformedJob)
		}
	}

	if env.Func == "" {
		return domain.Job{}, fmt.Errorf("%w: missing func", ErrMalformedJob)
	}
	fn, ok := c.registry.Resolve(env.Func)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: no handler registered for %q", ErrMalformedJob, env.Func)
	}
	job.Fn = fn

	return job, nil
}

// Encode serializes a job for produce. The registry is not consulted: the
// enqueue side may name handlers only the consuming workers know about.
func (c *Codec) Encode(job domain.Job) ([]byte, error) {
	env := envelope{
		ID:      job.ID,
		Func:    job.Func,
		Timeout: job.Timeout.Seconds(),
		Key:     string(job.Key),
	}
	if job.Args != nil {
		raw, err := json.Marshal(job.Args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		env.Args = raw
	}
	if job.Kwargs != nil {
		raw, err := json.Marshal(job.Kwargs)
		if err != nil {
			return nil, fmt.Errorf("encode kwargs: %w", err)
		}
		env.Kwargs = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return data, nil
}
