package service

import (
	"math"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-sync/internal/model"
)

// Grade scores answers against the answer key. Unanswered items count as
// wrong for the score but keep their own verdict.
func Grade(sess *model.Session, title string, items []model.ItemWithKey, answers map[uuid.UUID]string, passMark float64) *model.Result {
	res := &model.Result{
		SessionID: sess.ID,
		Title:     title,
		Status:    sess.Status,
		Items:     make([]model.ItemResult, 0, len(items)),
	}

	correct := 0
	for _, it := range items {
		ir := model.ItemResult{ItemID: it.ID, Prompt: it.Prompt}
		opt, ok := answers[it.ID]
		switch {
		case !ok || opt == "":
			ir.Verdict = model.ItemUnanswered
		case opt == it.CorrectOption:
			ir.Verdict = model.ItemCorrect
			correct++
		default:
			ir.Verdict = model.ItemWrong
		}
		res.Items = append(res.Items, ir)
	}

	if len(items) > 0 {
		res.Score = math.Round(float64(correct)/float64(len(items))*10000) / 100
	}
	res.ObtainedPoints = correct
	res.Grade = gradeLetter(res.Score)
	res.Verdict = model.VerdictFailed
	if res.Score >= passMark {
		res.Verdict = model.VerdictPassed
	}
	return res
}

func gradeLetter(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "E"
	}
}

// missingCount returns how many items have no answer.
func missingCount(items []model.ItemWithKey, answers map[uuid.UUID]string) int {
	n := 0
	for _, it := range items {
		if answers[it.ID] == "" {
			n++
		}
	}
	return n
}
