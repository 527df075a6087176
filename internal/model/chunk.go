package model

import "time"

// Person is a person mentioned in a call.
type Person struct {
	Name          string `json:"name"`
	Role          string `json:"role,omitempty"`
	DecisionMaker bool   `json:"decision_maker,omitempty"`
}

// MonetaryMention is a money amount mentioned in a call, with surrounding context.
type MonetaryMention struct {
	Amount  string `json:"amount"`
	Context string `json:"context,omitempty"`
}

// DateMention is a date mentioned in a call, with surrounding context.
type DateMention struct {
	Date    string `json:"date"`
	Context string `json:"context,omitempty"`
}

// Entities is the structured entity map extracted from one chunk.
type Entities struct {
	People           []Person          `json:"people,omitempty"`
	Organizations    []string          `json:"organizations,omitempty"`
	Competitors      []string          `json:"competitors,omitempty"`
	MonetaryMentions []MonetaryMention `json:"monetary_mentions,omitempty"`
	Dates            []DateMention     `json:"dates,omitempty"`
	Products         []string          `json:"products,omitempty"`
}

// Extraction is the full extractor output for one chunk.
type Extraction struct {
	Entities          Entities `json:"entities"`
	Topics            []string `json:"topics"`
	FrameworkElements []string `json:"framework_elements"`
}

// EmptyExtraction is the partial-credit default used when the extractor
// returns nothing usable for a chunk.
func EmptyExtraction() Extraction {
	return Extraction{Topics: []string{}, FrameworkElements: []string{}}
}

// ChunkMetadata is denormalized call context carried on every chunk so
// retrieval does not need to join back to the transcript.
type ChunkMetadata struct {
	AccountName string `json:"account_name,omitempty"`
	CallDate    string `json:"call_date,omitempty"`
	CallType    string `json:"call_type,omitempty"`
	RepID       string `json:"rep_id,omitempty"`
	RepName     string `json:"rep_name,omitempty"`
}

// TranscriptChunk is one slice of a transcript, the unit of retrieval.
// (transcript_id, chunk_index) is unique; embedding and extraction fields
// are filled asynchronously and independently.
type TranscriptChunk struct {
	ID                int64            `json:"id"`
	TranscriptID      string           `json:"transcript_id"`
	ChunkIndex        int              `json:"chunk_index"`
	ChunkText         string           `json:"chunk_text"`
	Embedding         []float32        `json:"embedding,omitempty"`
	Entities          Entities         `json:"entities"`
	Topics            []string         `json:"topics"`
	FrameworkElements []string         `json:"framework_elements"`
	ExtractionStatus  ExtractionStatus `json:"extraction_status"`
	Metadata          ChunkMetadata    `json:"metadata"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Transcript is the source row the pipeline reads. The CRM owns these;
// the pipeline never writes them.
type Transcript struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	AccountName string    `json:"account_name"`
	CallDate    string    `json:"call_date"`
	CallType    string    `json:"call_type"`
	Text        string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is an identity-store row used for authorization scoping.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
	TeamID string `json:"team_id"`
}
