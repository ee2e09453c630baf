package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"command-outbox/internal/models"
)

// ReceiptBody is the agent-supplied detail attached to an ack.
type ReceiptBody struct {
	OK      *bool           `json:"ok,omitempty"`
	Status  string          `json:"status,omitempty"`
	TxID    string          `json:"txid,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// AckRequest is one acknowledgment from an agent.
type AckRequest struct {
	ID      string      `json:"id"`
	AgentID string      `json:"-"`
	Status  string      `json:"status"`
	Receipt ReceiptBody `json:"receipt"`
}

// AckBody is the wire shape of an ack call: a single ack, or a batch under "receipts"
// where each entry carries its own id and ok flag.
type AckBody struct {
	Agent    string         `json:"agent"`
	AgentID  string         `json:"agent_id"`
	ID       string         `json:"id"`
	Status   string         `json:"status"`
	Receipt  ReceiptBody    `json:"receipt"`
	Receipts []batchReceipt `json:"receipts"`
}

type batchReceipt struct {
	ID string `json:"id"`
	ReceiptBody
}

// AckBatch is a decoded ack body. Batch is false for the single-ack shape.
type AckBatch struct {
	Agent    string
	Requests []AckRequest
	Batch    bool
}

// ParseAck decodes an ack body into one request per acknowledged command.
func ParseAck(body []byte) (AckBatch, error) {
	var b AckBody
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&b); err != nil {
		return AckBatch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := AckBatch{Agent: strings.TrimSpace(b.Agent)}
	if out.Agent == "" {
		out.Agent = strings.TrimSpace(b.AgentID)
	}
	if b.Receipts != nil {
		if b.ID != "" {
			return AckBatch{}, invalid("send either id or receipts, not both")
		}
		if len(b.Receipts) == 0 {
			return AckBatch{}, invalid("receipts is empty")
		}
		out.Batch = true
		for i, r := range b.Receipts {
			if strings.TrimSpace(r.ID) == "" {
				return AckBatch{}, invalid(fmt.Sprintf("receipts[%d].id is required", i))
			}
			out.Requests = append(out.Requests, AckRequest{ID: strings.TrimSpace(r.ID), Receipt: r.ReceiptBody})
		}
		return out, nil
	}
	if strings.TrimSpace(b.ID) == "" {
		return AckBatch{}, invalid("id is required")
	}
	out.Requests = []AckRequest{{ID: strings.TrimSpace(b.ID), Status: b.Status, Receipt: b.Receipt}}
	return out, nil
}

// ackOutcome maps an agent status onto the command transition, the receipt ok
// flag and the receipt status tag.
//
//	DONE | OK   -> done, ok
//	ERROR       -> error
//	HELD        -> error, receipt status "held"
//
// With no status the receipt's ok flag decides. Otherwise a receipt status tag,
// when given, replaces the default tag.
func ackOutcome(status string, rc ReceiptBody) (cmdStatus string, ok bool, tag string, err error) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "DONE", "OK", "SUCCESS":
		cmdStatus, ok, tag = models.StatusDone, true, "done"
	case "ERROR", "FAILED":
		cmdStatus, ok, tag = models.StatusError, false, "error"
	case "HELD":
		return models.StatusError, false, "held", nil
	case "":
		if rc.OK == nil {
			return "", false, "", invalid("status is required")
		}
		if *rc.OK {
			cmdStatus, ok, tag = models.StatusDone, true, "done"
		} else {
			cmdStatus, ok, tag = models.StatusError, false, "error"
		}
	default:
		return "", false, "", invalid(fmt.Sprintf("status %q must be DONE, ERROR or HELD", status))
	}
	if s := strings.TrimSpace(rc.Status); s != "" {
		tag = strings.ToLower(s)
	}
	return cmdStatus, ok, tag, nil
}
