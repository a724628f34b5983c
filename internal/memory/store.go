// Package memory implements the Memory Store (C8): a per-conversation
// message log with optional auto-summarization, persisted to SQLite via
// gorm — the one component that keeps the teacher's gorm+sqlite idiom
// (main.go's gorm.Open call, PrepareStmt/SkipDefaultTransaction) intact,
// since it is the only component the spec requires to survive a restart.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/llama-nexus/llama-nexus/internal/config"
	"github.com/llama-nexus/llama-nexus/internal/gwerror"
	"github.com/llama-nexus/llama-nexus/internal/metrics"
)

const (
	StrategyIncremental = "Incremental"
	StrategyFullHistory = "FullHistory"
)

// Store is C8.
type Store struct {
	db  *gorm.DB
	cfg config.Memory
	log *zap.Logger

	summaries *summaryClient

	convMu sync.Map // conversation_id -> *sync.Mutex, per-conversation write serialization
}

// Open resolves the configured DSN, connects, and auto-migrates the two
// relations.
func Open(cfg config.Memory, log *zap.Logger) (*Store, error) {
	dsn, err := cfg.ResolveDSN()
	if err != nil {
		return nil, err
	}
	sqliteDSN := strings.TrimPrefix(dsn, "sqlite:")

	db, err := gorm.Open(sqlite.Open(sqliteDSN), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("memory: opening database: %w", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return nil, fmt.Errorf("memory: migrating schema: %w", err)
	}

	return &Store{
		db:        db,
		cfg:       cfg,
		log:       log,
		summaries: newSummaryClient(cfg.SummaryServiceBaseURL, cfg.SummaryServiceAPIKey),
	}, nil
}

func (s *Store) lockFor(conversationID string) *sync.Mutex {
	v, _ := s.convMu.LoadOrStore(conversationID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Append inserts one message, creating the conversation row if needed, all
// within a single transaction, then triggers compaction if the threshold
// was crossed. Reads on other conversations may run concurrently; writes
// to the same conversation are strictly sequential (§5).
func (s *Store) Append(ctx context.Context, conversationID string, role, content string) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	tokens := estimateTokens(content)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		if err := tx.FirstOrCreate(&conv, Conversation{ID: conversationID}).Error; err != nil {
			return err
		}

		var nextSeq int64
		if err := tx.Model(&Message{}).Where("conversation_id = ?", conversationID).Count(&nextSeq).Error; err != nil {
			return err
		}

		msg := Message{
			ConversationID: conversationID,
			Seq:             int(nextSeq),
			Role:            role,
			Content:         content,
			Tokens:          tokens,
			CreatedAt:       time.Now(),
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		conv.UpdatedAt = time.Now()
		return tx.Save(&conv).Error
	})
	if err != nil {
		return gwerror.Newf(gwerror.MemoryUnavailable, "memory: append failed: %v", err)
	}

	if s.cfg.AutoSummarize {
		if err := s.compactIfNeeded(ctx, conversationID); err != nil && s.log != nil {
			// compaction failure leaves state unchanged and is retried on the
			// next append, per §4.8's failure policy; the append itself still
			// succeeded.
			s.log.Warn("memory compaction failed, retrying on next append",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return nil
}

// compactIfNeeded implements the compaction law (§8.5): if appending pushed
// the stored count above max_stored_messages, move everything but the most
// recent summarize_threshold/2 messages into the rolling summary.
func (s *Store) compactIfNeeded(ctx context.Context, conversationID string) (err error) {
	var all []Message
	if err := s.db.Where("conversation_id = ?", conversationID).Order("seq asc").Find(&all).Error; err != nil {
		return err
	}
	if len(all) <= s.cfg.MaxStoredMessages {
		return nil
	}
	defer func() {
		if err != nil {
			metrics.MemoryCompactionsTotal.WithLabelValues("failure").Inc()
		} else {
			metrics.MemoryCompactionsTotal.WithLabelValues("success").Inc()
		}
	}()

	keep := s.cfg.SummarizeThreshold / 2
	if keep < 1 {
		keep = 1
	}
	splitIdx := len(all) - keep
	if splitIdx <= 0 {
		return nil
	}
	toMove := all[:splitIdx]
	tail := all[splitIdx:]

	var conv Conversation
	if err := s.db.First(&conv, "id = ?", conversationID).Error; err != nil {
		return err
	}

	var newSummary string
	switch s.cfg.SummarizationStrategy {
	case StrategyFullHistory:
		// Fold the prior summary in: it covers messages already deleted by an
		// earlier compaction, which renderMessages(all) alone cannot see.
		newSummary, err = s.summaries.summarize(ctx, fmt.Sprintf(fullHistoryPrompt, conv.Summary, renderMessages(all)))
	default:
		newSummary, err = s.summaries.summarize(ctx, fmt.Sprintf(incrementalPrompt, conv.Summary, renderMessages(toMove)))
	}
	if err != nil {
		return err // abort: leaves state unchanged, per §4.8.
	}

	moveIDs := make([]uint, 0, len(toMove))
	for _, m := range toMove {
		moveIDs = append(moveIDs, m.ID)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Message{}, moveIDs).Error; err != nil {
			return err
		}
		// re-number the kept tail starting at 0, so seq stays a dense
		// insertion-order index.
		for i, m := range tail {
			if err := tx.Model(&Message{}).Where("id = ?", m.ID).Update("seq", i).Error; err != nil {
				return err
			}
		}
		conv.Summary = newSummary
		conv.UpdatedAt = time.Now()
		return tx.Save(&conv).Error
	})
}

// Recall returns the rolling summary (if any) plus the most-recent messages
// whose cumulative token estimate fits budgetTokens.
func (s *Store) Recall(ctx context.Context, conversationID string, budgetTokens int) (*string, []Message, error) {
	var conv Conversation
	found := true
	if err := s.db.First(&conv, "id = ?", conversationID).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			return nil, nil, gwerror.Newf(gwerror.MemoryUnavailable, "memory: recall failed: %v", err)
		}
		found = false
	}

	var all []Message
	if err := s.db.Where("conversation_id = ?", conversationID).Order("seq desc").Find(&all).Error; err != nil {
		return nil, nil, gwerror.Newf(gwerror.MemoryUnavailable, "memory: recall failed: %v", err)
	}

	var kept []Message
	budget := budgetTokens
	if budget <= 0 {
		budget = s.cfg.ContextWindow
	}
	used := 0
	for _, m := range all {
		if used+m.Tokens > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, m)
		used += m.Tokens
	}
	// restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	var summary *string
	if found && conv.Summary != "" {
		summary = &conv.Summary
	}
	return summary, kept, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
