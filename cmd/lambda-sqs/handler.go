//go:build lambda

package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/josephsvk/DRTA/internal/enroll"
	"github.com/josephsvk/DRTA/internal/types"
	log "github.com/sirupsen/logrus"
)

type Checker interface {
	Check(code string) error
}

type Enroller interface {
	Enroll(ctx context.Context, d types.Descriptor) (types.EnrollmentRecord, error)
}

// processMessage enrolls one device. Permanent rejections are logged and
// wrapped with errDropped; anything else is returned for redelivery.
func (h *LambdaHandler) processMessage(ctx context.Context, record events.SQSMessage) error {
	fields := log.Fields{
		"messageID": record.MessageId,
		"groupID":   record.Attributes["MessageGroupId"],
	}

	code := ""
	if attr, ok := record.MessageAttributes[types.TOTPHdrName]; ok && attr.StringValue != nil {
		code = *attr.StringValue
	}
	if err := h.Verifier.Check(code); err != nil {
		return h.outcome(err, fields)
	}

	d, err := enroll.ParseDescriptor([]byte(record.Body))
	if err != nil {
		return h.outcome(err, fields)
	}

	rec, err := h.Engine.Enroll(ctx, d)
	if err != nil {
		return h.outcome(err, fields)
	}
	log.WithFields(fields).WithFields(log.Fields{
		"uniqueId": rec.UniqueID,
		"port":     rec.Port,
		"address":  rec.Address,
	}).Info("Device enrolled from queue")
	return nil
}

func (h *LambdaHandler) outcome(err error, fields log.Fields) error {
	reason := types.ReasonOf(err)
	if reason.Permanent() {
		log.WithFields(fields).WithField("reason", reason).Warn("Message rejected, dropping")
		return fmt.Errorf("%w: %w", errDropped, err)
	}
	return fmt.Errorf("enroll: %w", err)
}
