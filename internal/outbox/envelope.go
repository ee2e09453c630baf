package outbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultCommandType is assigned when an enqueued command omits "type".
const DefaultCommandType = "order.place"

var (
	// ErrMalformed marks bodies that are not the expected JSON shape.
	ErrMalformed = errors.New("malformed request")
	// ErrValidation marks well-formed bodies with missing or invalid fields.
	ErrValidation = errors.New("validation failed")
)

// ValidationError lists every field problem found in one request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(problems ...string) error {
	return &ValidationError{Problems: problems}
}

// Order is the typed view of a command used for validation. The stored payload
// keeps every key the producer sent.
type Order struct {
	Type           string   `json:"type"`
	Venue          string   `json:"venue" validate:"required"`
	Symbol         string   `json:"symbol" validate:"required"`
	Side           string   `json:"side" validate:"required,oneof=buy sell"`
	Amount         *Amount  `json:"amount" validate:"omitempty,gt=0"`
	AmountBase     *Amount  `json:"amount_base" validate:"omitempty,gt=0"`
	AmountQuote    *Amount  `json:"amount_quote" validate:"omitempty,gt=0"`
	Flags          []string `json:"flags"`
	DryRun         bool     `json:"dry_run"`
	ClientOrderID  string   `json:"client_order_id"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// Amount is a quantity sent either as a JSON number or as a numeric string.
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("amount %s is not a number", string(b))
	}
	*a = Amount(v)
	return nil
}

// Meta carries producer metadata.
type Meta struct {
	Source    string    `json:"source"`
	TS        Timestamp `json:"ts"`
	NotBefore Timestamp `json:"not_before"`
	DelayS    float64   `json:"delay_s"`
	Deadline  Timestamp `json:"deadline"`
}

// Timestamp accepts unix seconds (integer or fractional) or an RFC 3339 string.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` || s == "0" {
		t.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if sec, err := strconv.ParseFloat(str, 64); err == nil {
			t.Time = fromUnixSeconds(sec)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", str, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", s, err)
	}
	t.Time = fromUnixSeconds(sec)
	return nil
}

// fromUnixSeconds maps 0 to the zero time so "0" means unset in every form.
func fromUnixSeconds(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(sec * 1000)).UTC()
}

// EnqueueRequest is the canonical form of an enqueue body.
type EnqueueRequest struct {
	Agent     string
	Type      string
	Payload   json.RawMessage
	Order     Order
	DedupeKey string
	Meta      Meta
}

type envelope struct {
	Agent   string          `json:"agent"`
	AgentID string          `json:"agent_id"`
	Command json.RawMessage `json:"command"`
	Meta    json.RawMessage `json:"meta"`
}

var validate = validator.New()

// ParseEnqueue normalizes an enqueue body. Exactly one shape is accepted:
//
//	{"agent"|"agent_id": "...", "command": {...}, "meta": {...}}
//
// Unknown top-level keys are rejected; unknown keys inside "command" and
// "meta" are kept or ignored.
func ParseEnqueue(body []byte) (EnqueueRequest, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return EnqueueRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return EnqueueRequest{}, fmt.Errorf("%w: trailing data after envelope", ErrMalformed)
	}

	agent := strings.TrimSpace(env.Agent)
	alias := strings.TrimSpace(env.AgentID)
	if agent != "" && alias != "" && agent != alias {
		return EnqueueRequest{}, invalid("agent and agent_id disagree")
	}
	if agent == "" {
		agent = alias
	}

	if len(bytes.TrimSpace(env.Command)) == 0 || bytes.Equal(bytes.TrimSpace(env.Command), []byte("null")) {
		return EnqueueRequest{}, invalid("command is required")
	}
	fields, err := decodeObject(env.Command)
	if err != nil {
		return EnqueueRequest{}, fmt.Errorf("%w: command: %v", ErrMalformed, err)
	}
	var order Order
	if err := json.Unmarshal(env.Command, &order); err != nil {
		return EnqueueRequest{}, invalid("command: " + err.Error())
	}

	order.Side = strings.ToLower(strings.TrimSpace(order.Side))
	order.Venue = strings.TrimSpace(order.Venue)
	order.Symbol = strings.TrimSpace(order.Symbol)
	if order.Type == "" {
		order.Type = DefaultCommandType
	}
	if err := validateOrder(order); err != nil {
		return EnqueueRequest{}, err
	}
	var meta Meta
	if len(bytes.TrimSpace(env.Meta)) > 0 {
		if err := json.Unmarshal(env.Meta, &meta); err != nil {
			return EnqueueRequest{}, invalid("meta: " + err.Error())
		}
	}
	if meta.DelayS < 0 {
		return EnqueueRequest{}, invalid("meta.delay_s must not be negative")
	}

	fields["type"] = order.Type
	fields["side"] = order.Side
	payload, err := canonicalJSON(fields)
	if err != nil {
		return EnqueueRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	key := strings.TrimSpace(order.IdempotencyKey)
	if key == "" {
		key, err = intentHash(agent, fields)
		if err != nil {
			return EnqueueRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	return EnqueueRequest{
		Agent:     agent,
		Type:      order.Type,
		Payload:   payload,
		Order:     order,
		DedupeKey: key,
		Meta:      meta,
	}, nil
}

func validateOrder(o Order) error {
	var problems []string
	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return invalid(err.Error())
		}
		for _, fe := range verrs {
			problems = append(problems, fieldProblem(fe))
		}
	}
	if o.Amount == nil && o.AmountBase == nil && o.AmountQuote == nil {
		problems = append(problems, "one of amount, amount_base, amount_quote is required")
	}
	if len(problems) > 0 {
		return invalid(problems...)
	}
	return nil
}

func fieldProblem(fe validator.FieldError) string {
	name := map[string]string{
		"Venue":       "venue",
		"Symbol":      "symbol",
		"Side":        "side",
		"Amount":      "amount",
		"AmountBase":  "amount_base",
		"AmountQuote": "amount_quote",
	}[fe.Field()]
	if name == "" {
		name = strings.ToLower(fe.Field())
	}
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "oneof":
		return name + " must be one of " + fe.Param()
	case "gt":
		return name + " must be positive"
	}
	return name + " is invalid"
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("command must be an object")
	}
	return fields, nil
}

// canonicalJSON encodes v with sorted keys and no insignificant whitespace.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// intentHash derives a dedupe key from the normalized intent when the producer
// sent no idempotency key.
func intentHash(agent string, command map[string]any) (string, error) {
	b, err := canonicalJSON(map[string]any{"agent": agent, "command": command})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
