package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

// GormStore persists conversations and messages to a SQL database through
// gorm. The message table stores only parent pointers; children lists are
// rebuilt from them on read, ordered by snowflake ID.
type GormStore struct {
	db       *gorm.DB
	notifier *changeNotifier
}

var _ Store = (*GormStore)(nil)

type conversationRecord struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"not null"`
	CreatedAt     time.Time
	CurrentLeafID int64
}

func (conversationRecord) TableName() string { return "conversations" }

type messageRecord struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	ConvID      string `gorm:"index;not null"`
	ParentID    int64
	Role        string `gorm:"not null"`
	Content     *string
	Attachments string `gorm:"type:text"`
	Timestamp   time.Time
	ModelName   string
	Timing      string `gorm:"type:text"`
}

func (messageRecord) TableName() string { return "messages" }

// NewSQLiteStore opens (or creates) a SQLite-backed store at path.
func NewSQLiteStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite store")
	}
	return NewGormStore(db)
}

// NewGormStore wraps an existing gorm DB and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&conversationRecord{}, &messageRecord{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate chat schema")
	}
	return &GormStore{
		db:       db,
		notifier: newChangeNotifier(),
	}, nil
}

func (s *GormStore) GetConversation(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	var rec conversationRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrConversationNotFound, "%s", id)
	}
	if err != nil {
		return nil, err
	}
	return recordToConversation(&rec)
}

func (s *GormStore) PutConversation(ctx context.Context, conv *conversation.Conversation) error {
	rec := conversationToRecord(conv)
	err := s.db.WithContext(ctx).Save(rec).Error
	if err != nil {
		return err
	}
	s.notifier.notify(conv.ID)
	return nil
}

func (s *GormStore) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	var recs []conversationRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	ret := make([]*conversation.Conversation, 0, len(recs))
	for i := range recs {
		conv, err := recordToConversation(&recs[i])
		if err != nil {
			return nil, err
		}
		ret = append(ret, conv)
	}
	return ret, nil
}

func (s *GormStore) ListMessages(ctx context.Context, convID uuid.UUID) ([]*conversation.Message, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&conversationRecord{}).
		Where("id = ?", convID.String()).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, errors.Wrapf(ErrConversationNotFound, "%s", convID)
	}

	var recs []messageRecord
	if err := s.db.WithContext(ctx).
		Where("conv_id = ?", convID.String()).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}

	byID := make(map[conversation.MessageID]*conversation.Message, len(recs))
	ret := make([]*conversation.Message, 0, len(recs))
	for i := range recs {
		msg, err := recordToMessage(&recs[i])
		if err != nil {
			return nil, err
		}
		byID[msg.ID] = msg
		ret = append(ret, msg)
	}
	// recs are ID-ordered, so children come out in creation order
	for _, msg := range ret {
		if parent, ok := byID[msg.ParentID]; ok {
			parent.Children = append(parent.Children, msg.ID)
		}
	}
	return ret, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, msg *conversation.Message, afterID conversation.MessageID) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&conversationRecord{}).
		Where("id = ?", msg.ConvID.String()).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return errors.Wrapf(ErrConversationNotFound, "%s", msg.ConvID)
	}

	if err := s.db.WithContext(ctx).Model(&messageRecord{}).
		Where("id = ?", int64(msg.ID)).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errors.Wrapf(ErrDuplicateMessage, "%s", msg.ID)
	}

	if afterID != conversation.NilMessageID {
		if err := s.db.WithContext(ctx).Model(&messageRecord{}).
			Where("conv_id = ? AND id = ?", msg.ConvID.String(), int64(afterID)).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return errors.Wrapf(ErrMessageNotFound, "parent %s", afterID)
		}
	}

	rec, err := messageToRecord(msg, afterID)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Wrapf(ErrDuplicateMessage, "%s", msg.ID)
		}
		return err
	}
	s.notifier.notify(msg.ConvID)
	return nil
}

func (s *GormStore) Subscribe(ctx context.Context, handler ChangeHandler) error {
	return s.notifier.subscribe(ctx, handler)
}

func (s *GormStore) Close() error {
	return s.notifier.close()
}

func conversationToRecord(conv *conversation.Conversation) *conversationRecord {
	return &conversationRecord{
		ID:            conv.ID.String(),
		Name:          conv.Name,
		CreatedAt:     conv.CreatedAt,
		CurrentLeafID: int64(conv.CurrentLeafID),
	}
}

func recordToConversation(rec *conversationRecord) (*conversation.Conversation, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed conversation id %q", rec.ID)
	}
	return &conversation.Conversation{
		ID:            id,
		Name:          rec.Name,
		CreatedAt:     rec.CreatedAt,
		CurrentLeafID: conversation.MessageID(rec.CurrentLeafID),
	}, nil
}

func messageToRecord(msg *conversation.Message, afterID conversation.MessageID) (*messageRecord, error) {
	rec := &messageRecord{
		ID:        int64(msg.ID),
		ConvID:    msg.ConvID.String(),
		ParentID:  int64(afterID),
		Role:      string(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		ModelName: msg.ModelName,
	}
	if len(msg.Attachments) > 0 {
		b, err := json.Marshal(msg.Attachments)
		if err != nil {
			return nil, errors.Wrap(err, "failed to serialize attachments")
		}
		rec.Attachments = string(b)
	}
	if msg.Timing != nil {
		b, err := json.Marshal(msg.Timing)
		if err != nil {
			return nil, errors.Wrap(err, "failed to serialize timing stats")
		}
		rec.Timing = string(b)
	}
	return rec, nil
}

func recordToMessage(rec *messageRecord) (*conversation.Message, error) {
	convID, err := uuid.Parse(rec.ConvID)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed conversation id %q", rec.ConvID)
	}
	msg := &conversation.Message{
		ID:        conversation.MessageID(rec.ID),
		ConvID:    convID,
		ParentID:  conversation.MessageID(rec.ParentID),
		Role:      conversation.Role(rec.Role),
		Content:   rec.Content,
		Timestamp: rec.Timestamp,
		ModelName: rec.ModelName,
	}
	if rec.Attachments != "" {
		if err := json.Unmarshal([]byte(rec.Attachments), &msg.Attachments); err != nil {
			return nil, errors.Wrap(err, "failed to parse attachments")
		}
	}
	if rec.Timing != "" {
		msg.Timing = &conversation.TimingStats{}
		if err := json.Unmarshal([]byte(rec.Timing), msg.Timing); err != nil {
			return nil, errors.Wrap(err, "failed to parse timing stats")
		}
	}
	return msg, nil
}
