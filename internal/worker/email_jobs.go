package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coach-planner/internal/mailer"
	"github.com/PortNumber53/coach-planner/internal/models"
)

// RegisterEmailJobs binds the send_email job type to sender.
func RegisterEmailJobs(w *Worker, sender mailer.Sender) {
	w.RegisterHandler(models.JobTypeSendEmail, sendEmailHandler(sender))
	log.Info().Str("job_type", models.JobTypeSendEmail).Msg("[worker] registered email job handler")
}

func sendEmailHandler(sender mailer.Sender) Handler {
	return func(ctx context.Context, job *models.Job) error {
		msg, err := emailFromPayload(job.Payload)
		if err != nil {
			return err
		}
		return sender.Send(ctx, msg)
	}
}

func emailFromPayload(p models.JSONB) (mailer.Message, error) {
	var msg mailer.Message
	fields := map[string]*string{"to": &msg.To, "subject": &msg.Subject, "body": &msg.Body}
	for key, dst := range fields {
		raw, ok := p[key]
		if !ok {
			if key == "to" {
				return mailer.Message{}, fmt.Errorf("missing %s in payload", key)
			}
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return mailer.Message{}, fmt.Errorf("payload field %s is %T, want string", key, raw)
		}
		*dst = s
	}
	return msg, nil
}
