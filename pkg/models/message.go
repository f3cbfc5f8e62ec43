package models

// Message is one user utterance from the speaker's conversation feed.
// Timestamp is the vendor-assigned time in milliseconds; it is the ordering
// and dedup key for the incremental poller.
type Message struct {
	Text      string // what the user said
	Answer    string // the assistant's synthesized answer, if any
	Timestamp int64
	RequestID string
}

// ConversationRecord is the raw feed record shape.
type ConversationRecord struct {
	Query     string               `json:"query"`
	Answers   []ConversationAnswer `json:"answers"`
	Time      int64                `json:"time"` // milliseconds
	RequestID string               `json:"requestId"`
}

// ConversationAnswer is one answer attached to a feed record. Only TTS
// answers carry text.
type ConversationAnswer struct {
	Type string `json:"type"` // "TTS" or "AUDIO"
	TTS  *struct {
		Text string `json:"text"`
	} `json:"tts,omitempty"`
}

// Conversations is one page of the feed, ordered newest to oldest.
type Conversations struct {
	Records     []ConversationRecord `json:"records"`
	NextEndTime int64                `json:"nextEndTime"`
}

// Message converts a raw record, flattening the first TTS answer.
func (r *ConversationRecord) Message() Message {
	msg := Message{
		Text:      r.Query,
		Timestamp: r.Time,
		RequestID: r.RequestID,
	}
	for _, a := range r.Answers {
		if a.Type == "TTS" && a.TTS != nil {
			msg.Answer = a.TTS.Text
			break
		}
	}
	return msg
}
