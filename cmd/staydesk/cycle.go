package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/staydesk/staydesk/internal/config"
	"github.com/staydesk/staydesk/internal/dedup"
	"github.com/staydesk/staydesk/internal/dispatch"
	"github.com/staydesk/staydesk/internal/inbox"
	"github.com/staydesk/staydesk/internal/logger"
	"github.com/staydesk/staydesk/internal/nlp"
)

// mailbox is the part of inbox.Monitor a cycle uses
type mailbox interface {
	FetchUnseen(ctx context.Context, limit int) ([]inbox.Email, error)
	FetchRecentEmails(ctx context.Context, days int) ([]inbox.Email, error)
	MarkSeen(uids []uint32) error
	EnsureFolderExists(name string) error
	ArchiveEmails(uids []uint32, folder string) error
}

type resultStore interface {
	HasResult(messageID string) (bool, error)
	AddResult(r nlp.Result) (int64, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, result nlp.Result) dispatch.Outcome
}

// mailCycle routes one round of mailbox messages
type mailCycle struct {
	monitor    mailbox
	pipeline   *nlp.Pipeline
	dispatcher dispatcher  // nil routes without acting
	store      resultStore // nil disables the history check
	seen       dedup.Checker
	cfg        config.InboxConfig
	logger     *zap.Logger
}

// run fetches, filters, processes and dispatches one round. Every fetched
// message is marked seen, including the ones that were skipped.
func (c *mailCycle) run(ctx context.Context, days int) (nlp.Stats, error) {
	var (
		emails []inbox.Email
		err    error
	)
	if days > 0 {
		emails, err = c.monitor.FetchRecentEmails(ctx, days)
	} else {
		emails, err = c.monitor.FetchUnseen(ctx, c.cfg.MaxMessages)
	}
	if err != nil {
		return nlp.Stats{}, fmt.Errorf("failed to fetch emails: %w", err)
	}
	if len(emails) == 0 {
		return nlp.Summarize(nil), nil
	}

	msgs, uids := c.filter(ctx, emails)
	results := c.pipeline.ProcessBatch(ctx, msgs)

	for _, r := range results {
		if c.store != nil {
			if _, err := c.store.AddResult(r); err != nil {
				c.logger.Error("failed to store result", zap.String("message_id", r.MessageID), zap.Error(err))
			}
		}
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(ctx, r)
		}
	}

	if err := c.monitor.MarkSeen(uids); err != nil {
		c.logger.Warn("could not mark emails as seen", zap.Error(err))
	}
	c.archive(uids)

	return nlp.Summarize(results), nil
}

// filter drops automated mail, empty bodies and already handled ids
func (c *mailCycle) filter(ctx context.Context, emails []inbox.Email) ([]nlp.EmailMessage, []uint32) {
	msgs := make([]nlp.EmailMessage, 0, len(emails))
	uids := make([]uint32, 0, len(emails))

	for _, e := range emails {
		if e.UID > 0 {
			uids = append(uids, e.UID)
		}
		if e.IsAutomated() {
			c.logger.Debug("skipping automated email", zap.String("from", e.From), zap.String("subject", e.Subject))
			continue
		}

		msg, err := e.ToMessage()
		if err != nil {
			c.logger.Warn("skipping email", zap.Uint32("uid", e.UID), zap.Error(err))
			continue
		}
		log := logger.WithEmail(c.logger, msg.MessageID)

		if c.store != nil {
			done, err := c.store.HasResult(msg.MessageID)
			if err != nil {
				log.Warn("history lookup failed", zap.Error(err))
			} else if done {
				log.Debug("already handled")
				continue
			}
		}
		if !c.seen.IsNew(ctx, msg.MessageID) {
			log.Debug("duplicate message id")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, uids
}

func (c *mailCycle) archive(uids []uint32) {
	if !c.cfg.AutoArchive || len(uids) == 0 {
		return
	}
	folder := c.cfg.ArchiveFolder
	if err := c.monitor.EnsureFolderExists(folder); err != nil {
		c.logger.Warn("could not create archive folder", zap.String("folder", folder), zap.Error(err))
		return
	}
	if err := c.monitor.ArchiveEmails(uids, folder); err != nil {
		c.logger.Warn("could not archive emails", zap.String("folder", folder), zap.Error(err))
		return
	}
	c.logger.Info("archived emails", zap.Int("count", len(uids)), zap.String("folder", folder))
}
