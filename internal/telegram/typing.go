package telegram

import (
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"ollamabot/internal/conversation"
)

const chatActionTyping = "typing"

// typing returns a conversation.Typing that keeps the indicator alive in
// chatID until stopped. Telegram clears the indicator after about five
// seconds, so it is re-sent every typingEvery.
func (s *Service) typing(b *gotgbot.Bot, chatID int64) conversation.Typing {
	if b == nil || chatID == 0 {
		return nil
	}
	return func() func() {
		return startTypingTicker(s.typingEvery, func() {
			if _, err := b.SendChatAction(chatID, chatActionTyping, nil); err != nil {
				s.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("send typing action")
			}
		})
	}
}

// startTypingTicker calls send at once and then every interval until the
// returned func is called. The stop func may be called more than once.
func startTypingTicker(interval time.Duration, send func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		send()
		for {
			select {
			case <-ticker.C:
				send()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
