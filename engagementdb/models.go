package engagementdb

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type messageRow struct {
	MessageID        string         `gorm:"primaryKey;size:64"`
	OriginID         string         `gorm:"index;size:512"`
	OriginType       string         `gorm:"size:32"`
	ParticipantUUID  string         `gorm:"index;size:128"`
	Text             string         `gorm:"type:text"`
	Timestamp        time.Time      `gorm:"index"`
	Direction        string         `gorm:"size:8"`
	ChannelOperator  string         `gorm:"size:64"`
	Dataset          string         `gorm:"index:idx_dataset_last_updated,priority:1;size:128"`
	PreviousDatasets datatypes.JSON `gorm:"type:text"`
	Status           string         `gorm:"index;size:16"`
	Labels           datatypes.JSON `gorm:"type:text"`
	CodaID           string         `gorm:"index;size:64"`
	// LastUpdated is stored as unix microseconds so ordering is exact.
	LastUpdated int64 `gorm:"index;index:idx_dataset_last_updated,priority:2"`
}

func (messageRow) TableName() string { return "messages" }

type historyRow struct {
	ID             uint           `gorm:"primaryKey"`
	HistoryEntryID string         `gorm:"uniqueIndex;size:64"`
	MessageID      string         `gorm:"index;size:64"`
	OriginName     string         `gorm:"index;size:128"`
	Origin         datatypes.JSON `gorm:"type:text"`
	UpdatedDoc     datatypes.JSON `gorm:"type:text"`
	Timestamp      time.Time      `gorm:"index"`
}

func (historyRow) TableName() string { return "message_history" }

func toRow(m *Message) (messageRow, error) {
	prev := m.PreviousDatasets
	if prev == nil {
		prev = []string{}
	}
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return messageRow{}, err
	}
	labels := m.Labels
	if labels == nil {
		labels = []Label{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return messageRow{}, err
	}
	return messageRow{
		MessageID:        m.MessageID,
		OriginID:         m.Origin.OriginID,
		OriginType:       m.Origin.OriginType,
		ParticipantUUID:  m.ParticipantUUID,
		Text:             m.Text,
		Timestamp:        m.Timestamp.UTC(),
		Direction:        string(m.Direction),
		ChannelOperator:  m.ChannelOperator,
		Dataset:          m.Dataset,
		PreviousDatasets: datatypes.JSON(prevJSON),
		Status:           string(m.Status),
		Labels:           datatypes.JSON(labelsJSON),
		CodaID:           m.CodaID,
		LastUpdated:      m.LastUpdated.UnixMicro(),
	}, nil
}

func fromRow(r messageRow) (*Message, error) {
	m := &Message{
		MessageID:       r.MessageID,
		Origin:          Origin{OriginID: r.OriginID, OriginType: r.OriginType},
		ParticipantUUID: r.ParticipantUUID,
		Text:            r.Text,
		Timestamp:       r.Timestamp.UTC(),
		Direction:       MessageDirection(r.Direction),
		ChannelOperator: r.ChannelOperator,
		Dataset:         r.Dataset,
		Status:          MessageStatus(r.Status),
		CodaID:          r.CodaID,
		LastUpdated:     time.UnixMicro(r.LastUpdated).UTC(),
	}
	if len(r.PreviousDatasets) > 0 {
		if err := json.Unmarshal(r.PreviousDatasets, &m.PreviousDatasets); err != nil {
			return nil, err
		}
	}
	if len(r.Labels) > 0 {
		if err := json.Unmarshal(r.Labels, &m.Labels); err != nil {
			return nil, err
		}
	}
	return m, nil
}
