package usecase

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

// Synthesize voices the text of one message and attaches the audio to it.
func (h *Handle) Synthesize(ctx context.Context, messageID string) error {
	const op = "Orchestrator.Synthesize"
	o := h.o

	ctx, span := tracer.StartSpan(ctx, "orchestrator.synthesize",
		trace.WithAttributes(
			tracer.StringAttr("conversation.id", h.id),
			tracer.StringAttr("message.id", messageID),
		),
	)
	defer span.End()

	if o.deps.Speech == nil || o.deps.Assets == nil {
		return domain.NewDomainError(op, domain.ErrCapabilityMissing, "speech")
	}

	conv, err := o.deps.Store.Get(ctx, h.id)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	msg, ok := conv.Message(messageID)
	if !ok {
		return domain.NewDomainError(op, domain.ErrMessageNotFound, messageID)
	}
	text := strings.TrimSpace(msg.Text())
	if text == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "message has no text")
	}

	audio, err := o.deps.Speech.Synthesize(ctx, domain.SpeechRequest{
		Text:   text,
		Model:  o.deps.Options.SpeechModel,
		Voice:  o.deps.Options.SpeechVoice,
		Format: "mp3",
	})
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp(op, err)
	}

	name := messageID + audioExtension(audio.MIMEType)
	path, err := o.deps.Assets.WriteAsset(ctx, name, audio.Data)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp(op, err)
	}

	_, err = o.mutate(ctx, h.id, func(c *domain.Conversation) error {
		m, ok := c.Message(messageID)
		if !ok {
			return domain.NewDomainError(op, domain.ErrMessageNotFound, messageID)
		}
		m.Content = append(m.Content, domain.AudioPart(path, audio.MIMEType))
		m.Attachments = append(m.Attachments, domain.Attachment{
			Type:     domain.AttachmentAudio,
			Name:     name,
			Path:     path,
			MIMEType: audio.MIMEType,
		})
		m.ModifiedAt = o.now()
		c.PutMessage(m)
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp(op, err)
	}
	tracer.SetOK(span)
	o.publish(ctx, domain.EventMessageUpserted, h.id, domain.MessagePayload{
		MessageID: messageID, Role: msg.Role, Done: msg.Done,
	})
	return nil
}

func audioExtension(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/flac":
		return ".flac"
	case "audio/aac":
		return ".aac"
	default:
		return ".bin"
	}
}
