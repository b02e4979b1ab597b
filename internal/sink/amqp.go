package sink

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/resy-sniper/internal/snipe"
)

// resultEvent is the wire shape published for downstream consumers
// (notification services, dashboards).
type resultEvent struct {
	JobID        string       `json:"job_id"`
	Status       string       `json:"status"`
	Confirmation string       `json:"confirmation,omitempty"`
	FailureKind  string       `json:"failure_kind,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	SlotsSeen    int          `json:"slots_seen"`
	FinishedAt   time.Time    `json:"finished_at"`
	LastSlots    []slotDetail `json:"last_slots,omitempty"`
}

type slotDetail struct {
	Day         string `json:"day"`
	Time        string `json:"time"`
	SeatingType string `json:"seating_type"`
}

// AMQP publishes result events to a durable queue on the default exchange.
type AMQP struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQP(url, queue string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	// durable so results survive broker restarts
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQP{conn: conn, ch: ch, queue: queue}, nil
}

func (s *AMQP) Report(ctx context.Context, jobID string, res snipe.Result) error {
	ev := resultEvent{
		JobID:        jobID,
		Status:       res.Status.String(),
		Confirmation: res.Confirmation,
		FailureKind:  string(res.FailureKind),
		Reason:       res.Reason,
		SlotsSeen:    len(res.LastSlots),
		FinishedAt:   res.FinishedAt,
	}
	for _, sl := range res.LastSlots {
		ev.LastSlots = append(ev.LastSlots, slotDetail{Day: sl.Day, Time: sl.Time.String(), SeatingType: sl.SeatingType})
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (s *AMQP) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}
