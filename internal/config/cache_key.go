package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AnswersKey returns the client-local store key for a session's cached answers
func (r *CacheKeyStruct) AnswersKey(sessionID string) string {
	return fmt.Sprintf("answers:%s", sessionID)
}

// SessionAnswersKey returns the Redis hash holding a session's submitted answers
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionStateKey returns the Redis hash caching a session's status and deadline
func (r *CacheKeyStruct) SessionStateKey(sessionID string) string {
	return fmt.Sprintf("session:%s:state", sessionID)
}

// AssessmentAnswerKey returns the cache key for an assessment's items and correct options
func (r *CacheKeyStruct) AssessmentAnswerKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:key", assessmentID)
}

// AssessmentMonitorChannel returns the Redis PubSub channel for an assessment's progress events
func (r *CacheKeyStruct) AssessmentMonitorChannel(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:monitor", assessmentID)
}

var CacheKey = NewCacheKeyStruct()
