// Package notify delivers boarding confirmations to guardian contacts.
// Delivery is best effort and runs off the request path: the verifier hands
// a job to the Dispatcher, which enqueues it for a worker pool; every
// attempt, delivered or not, leaves exactly one notification-log row.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"smartbus/internal/metrics"
	"smartbus/internal/queue"
)

// MessageType tags boarding-confirmation jobs on the queue.
const MessageType = "boarding_confirmation"

// Notification statuses recorded in the log.
const (
	StatusSent   = "Sent"
	StatusFailed = "Failed"
)

// Job is the unit of work handed to the delivery workers.
type Job struct {
	Recipient   string `json:"recipient"`
	StudentName string `json:"student_name"`
	BusID       string `json:"bus_id"`
	TimeOfDay   string `json:"time_of_day"`
	Date        string `json:"date"`
}

// Record is one durable notification outcome.
type Record struct {
	Recipient string
	Channel   string
	Subject   string
	Status    string
	Detail    string
}

// Log persists notification outcomes.
type Log interface {
	Record(ctx context.Context, rec Record) error
}

// Mailer sends a single message over the outbound channel.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Dispatcher validates jobs and enqueues them for delivery. Dispatch never
// blocks the caller beyond the publish timeout and never returns an error:
// a boarding already committed must not be affected by messaging trouble.
type Dispatcher struct {
	q              queue.Queue
	logs           Log
	publishTimeout time.Duration
}

// NewDispatcher creates a dispatcher publishing to q.
func NewDispatcher(q queue.Queue, logs Log) *Dispatcher {
	return &Dispatcher{q: q, logs: logs, publishTimeout: 2 * time.Second}
}

// Dispatch enqueues a boarding confirmation. Contacts without the minimal
// shape of a deliverable address are logged as failed without transmission.
func (d *Dispatcher) Dispatch(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
	defer cancel()

	if !deliverable(job.Recipient) {
		log.Printf("notify: undeliverable guardian contact %q for %s", job.Recipient, job.StudentName)
		d.logFailure(ctx, job, "missing or invalid guardian email")
		return
	}

	body, err := json.Marshal(job)
	if err != nil {
		d.logFailure(ctx, job, "encode job: "+err.Error())
		return
	}
	if err := d.q.Publish(ctx, queue.Message{Type: MessageType, Body: body}); err != nil {
		log.Printf("notify: enqueue for %s failed: %v", job.Recipient, err)
		d.logFailure(ctx, job, "enqueue: "+err.Error())
	}
}

func (d *Dispatcher) logFailure(ctx context.Context, job Job, detail string) {
	metrics.NotificationsTotal.WithLabelValues(StatusFailed).Inc()
	if err := d.logs.Record(ctx, Record{
		Recipient: job.Recipient,
		Channel:   "email",
		Subject:   subjectFor(job),
		Status:    StatusFailed,
		Detail:    detail,
	}); err != nil {
		log.Printf("notify: failed to log notification outcome: %v", err)
	}
}

func deliverable(contact string) bool {
	return strings.Contains(contact, "@")
}

// Deliverer drains the queue and sends confirmations. Run off the request
// path by cmd/worker (or in-process for the memory backend).
type Deliverer struct {
	mailer   Mailer
	logs     Log
	deadline time.Duration
}

// NewDeliverer creates a deliverer with a per-attempt delivery deadline.
func NewDeliverer(mailer Mailer, logs Log, deadline time.Duration) *Deliverer {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Deliverer{mailer: mailer, logs: logs, deadline: deadline}
}

// Run consumes messages with a fixed-size worker pool and blocks until the
// channel closes or ctx ends.
func (dl *Deliverer) Run(ctx context.Context, messages <-chan queue.Message, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for msg := range messages {
				if msg.Type != MessageType {
					continue
				}
				dl.handle(ctx, msg)
			}
		}(i)
	}
	wg.Wait()
}

// handle delivers one job and writes its outcome record. Failures are
// logged, never retried.
func (dl *Deliverer) handle(ctx context.Context, msg queue.Message) {
	var job Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		log.Printf("notify: dropping undecodable job: %v", err)
		return
	}

	subject := subjectFor(job)
	sendCtx, cancel := context.WithTimeout(ctx, dl.deadline)
	err := dl.mailer.Send(sendCtx, job.Recipient, subject, bodyFor(job))
	cancel()

	rec := Record{Recipient: job.Recipient, Channel: "email", Subject: subject, Status: StatusSent}
	if err != nil {
		log.Printf("notify: delivery to %s failed: %v", job.Recipient, err)
		rec.Status = StatusFailed
		rec.Detail = err.Error()
	}
	metrics.NotificationsTotal.WithLabelValues(rec.Status).Inc()

	logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if lerr := dl.logs.Record(logCtx, rec); lerr != nil {
		log.Printf("notify: failed to log notification outcome: %v", lerr)
	}
}

func subjectFor(job Job) string {
	return "Bus Boarding Confirmation (" + job.StudentName + ")"
}

func bodyFor(job Job) string {
	return "Dear Parent,\n\n" +
		"This is to inform you that your ward " + job.StudentName +
		" has successfully boarded Bus " + job.BusID +
		" at " + job.TimeOfDay + " on " + job.Date + ".\n" +
		"Attendance has been securely recorded in the system.\n\n" +
		"Regards,\nTransport Administration"
}
