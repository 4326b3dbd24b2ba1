package telegram

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"ollamabot/internal/metrics"
	"ollamabot/internal/queue"
	"ollamabot/internal/session"
)

// Processor filters and orders updates before they reach the handlers:
// duplicates are dropped, private mode admits a single user, and updates of
// the same user run one at a time.
type Processor struct {
	Base          ext.BaseProcessor
	Dedupe        *queue.UpdateDeduplicator
	Locks         *session.KeyedMutex
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	AllowedUserID int64
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	uid := userID(ctx)
	if p.AllowedUserID != 0 && uid != p.AllowedUserID {
		p.Logger.Debug().Int64("user_id", uid).Msg("update from user outside private mode dropped")
		return nil
	}
	if p.Dedupe != nil {
		first, err := p.Dedupe.MarkFirst(context.Background(), ctx.UpdateId)
		if err != nil {
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		} else if !first {
			return nil
		}
	}
	if p.Locks != nil && uid != 0 {
		unlock := p.Locks.Lock(uid)
		defer unlock()
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func userID(ctx *ext.Context) int64 {
	if ctx == nil || ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
