package negotiation

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"tradeflow/apperror"
	"tradeflow/auth"
	"tradeflow/contract"
	"tradeflow/events"
)

// AttachmentUpload is a file submitted with a revision.
type AttachmentUpload struct {
	Name        string
	ContentType string
	Data        []byte
}

type RevisionInput struct {
	Summary     string
	Body        string
	Submit      bool
	Attachments []AttachmentUpload
}

type CommentInput struct {
	Body   string
	Anchor map[string]any
}

// CreateRevision stores a new current contract revision. The contract is
// drafted first when the negotiation has none yet. Attachments are uploaded
// only for new content and are deleted again when the action fails.
func (s *Service) CreateRevision(ctx context.Context, negotiationID string, actor auth.Actor, in RevisionInput) (Result, error) {
	if strings.TrimSpace(in.Body) == "" {
		return Result{}, apperror.Validation("", map[string]string{"body": "is required"})
	}
	var uploaded []contract.Attachment
	res, err := s.run(ctx, ActionRevise, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		if err := guard(ActionRevise, n); err != nil {
			return "", nil, err
		}

		c, err := s.contracts.GetByNegotiationForUpdate(ctx, tx, n.ID)
		if err != nil {
			return "", nil, err
		}
		if c == nil {
			drafted, err := s.manager.Draft(ctx, tx, n.ID, in.Body)
			if err != nil {
				return "", nil, err
			}
			c = &drafted
		}

		same, err := s.manager.MatchesCurrent(ctx, tx, n.ID, in.Summary, in.Body)
		if err != nil {
			return "", nil, err
		}
		if !same {
			uploaded, err = s.storeAttachments(ctx, n.ID, in.Attachments)
			if err != nil {
				return "", nil, err
			}
		}
		out, err := s.manager.CreateRevision(ctx, tx, *c, contract.RevisionInput{
			Summary:     in.Summary,
			Body:        in.Body,
			Submit:      in.Submit,
			AuthorID:    actor.UserID,
			Attachments: uploaded,
		})
		if err != nil {
			return "", nil, err
		}

		payload := map[string]any{
			"revisionId": out.Revision.ID,
			"version":    out.Revision.Version,
			"status":     string(out.Revision.Status),
		}
		switch {
		case out.Submitted:
			ev := events.New(events.ContractRevisionSubmitted, n.ID, actor.UserID, string(n.Status), payload)
			return fmt.Sprintf("Revision v%d submitted for review", out.Revision.Version), []events.Event{ev}, nil
		case out.Created:
			ev := events.New(events.ContractRevisionCreated, n.ID, actor.UserID, string(n.Status), payload)
			return fmt.Sprintf("Revision v%d saved", out.Revision.Version), []events.Event{ev}, nil
		default:
			return fmt.Sprintf("Revision v%d is unchanged", out.Revision.Version), nil, nil
		}
	})
	if err != nil {
		s.discardAttachments(context.WithoutCancel(ctx), uploaded)
	}
	return res, err
}

func (s *Service) discardAttachments(ctx context.Context, attachments []contract.Attachment) {
	for _, a := range attachments {
		if err := s.attachments.Delete(ctx, a.Key); err != nil {
			s.logger.Warn("orphaned revision attachment", zap.String("key", a.Key), zap.Error(err))
		}
	}
}

func (s *Service) storeAttachments(ctx context.Context, negotiationID string, uploads []AttachmentUpload) ([]contract.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	if s.attachments == nil {
		return nil, fmt.Errorf("negotiation: attachment storage not configured")
	}

	out := make([]contract.Attachment, 0, len(uploads))
	for _, u := range uploads {
		name := path.Base(strings.TrimSpace(u.Name))
		if name == "" || name == "." || name == "/" {
			return out, apperror.Validation("", map[string]string{"attachments": "every attachment needs a file name"})
		}
		contentType := u.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		key := fmt.Sprintf("negotiations/%s/revisions/%s/%s", negotiationID, s.newID(), name)
		url, err := s.attachments.Put(ctx, key, contentType, u.Data)
		if err != nil {
			return out, fmt.Errorf("negotiation: store attachment %s: %w", name, err)
		}
		out = append(out, contract.Attachment{
			Key:         key,
			Name:        name,
			ContentType: contentType,
			Size:        int64(len(u.Data)),
			URL:         url,
		})
	}
	return out, nil
}

// AddRevisionComment attaches a review comment to a revision.
func (s *Service) AddRevisionComment(ctx context.Context, negotiationID, revisionID string, actor auth.Actor, in CommentInput) (Result, error) {
	return s.run(ctx, ActionComment, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		c, err := s.manager.AddComment(ctx, tx, n.ID, revisionID, contract.CommentInput{
			Body:     in.Body,
			Anchor:   in.Anchor,
			AuthorID: actor.UserID,
		})
		if err != nil {
			return "", nil, err
		}
		ev := events.New(events.ContractRevisionCommented, n.ID, actor.UserID, string(n.Status), map[string]any{
			"revisionId": revisionID,
			"commentId":  c.ID,
		})
		return "Comment added", []events.Event{ev}, nil
	})
}

// ResolveRevisionComment marks a comment resolved.
func (s *Service) ResolveRevisionComment(ctx context.Context, negotiationID, revisionID, commentID string, actor auth.Actor) (Result, error) {
	return s.run(ctx, ActionComment, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		c, err := s.manager.ResolveComment(ctx, tx, n.ID, revisionID, commentID, actor.UserID)
		if err != nil {
			return "", nil, err
		}
		ev := events.New(events.ContractRevisionCommentResolved, n.ID, actor.UserID, string(n.Status), map[string]any{
			"revisionId": revisionID,
			"commentId":  c.ID,
		})
		return "Comment resolved", []events.Event{ev}, nil
	})
}

// CompareRevisions returns the clause diff between two revision versions.
func (s *Service) CompareRevisions(ctx context.Context, negotiationID string, actor auth.Actor, fromVersion, toVersion int) (contract.Diff, error) {
	if fromVersion <= 0 || toVersion <= 0 {
		return contract.Diff{}, apperror.Validation("", map[string]string{"from": "versions must be positive", "to": "versions must be positive"})
	}
	var diff contract.Diff
	_, err := s.run(ctx, ActionRead, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		var err error
		diff, err = s.manager.Compare(ctx, tx, n.ID, fromVersion, toVersion)
		return "", nil, err
	})
	if err != nil {
		return contract.Diff{}, err
	}
	return diff, nil
}
