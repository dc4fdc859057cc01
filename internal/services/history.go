package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"slide-guide/internal/models"
	"slide-guide/internal/questions"
	"slide-guide/internal/workspace"
)

// HistoryService keeps every generated question for later retrieval.
type HistoryService struct {
	db *sql.DB
}

func NewHistoryService(db *sql.DB) *HistoryService {
	return &HistoryService{db: db}
}

// Save stores the slides of state that have questions. It returns the new
// guide id, or 0 when there was nothing to save.
func (s *HistoryService) Save(ctx context.Context, sessionID string, state workspace.State) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var rows []models.HistoryQuestion
	for _, slide := range state.Slides {
		for _, q := range slide.Questions {
			rows = append(rows, flatten(slide.Page, q))
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO guides (created_at, session_hash, source_name, file_fingerprint, slide_count, intro, outro)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, time.Now().UTC().Truncate(time.Second), SessionHash(sessionID), state.SourceName, string(state.File),
		len(state.Slides), state.Intro, state.Outro)
	if err != nil {
		return 0, fmt.Errorf("insert guide: %w", err)
	}
	guideID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("guide id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO guide_questions (guide_id, slide_num, question_type, question_text, answer,
			example_answer, options, items, correct_order, selected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare question insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			guideID,
			row.SlideNum,
			row.QuestionType,
			row.QuestionText,
			row.Answer,
			row.ExampleAnswer,
			row.Options,
			row.Items,
			row.CorrectOrder,
			row.Selected,
		); err != nil {
			return 0, fmt.Errorf("insert question for slide %d: %w", row.SlideNum, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit history: %w", err)
	}
	return guideID, nil
}

// List returns saved guides newest first, optionally only those for one
// source file name.
func (s *HistoryService) List(ctx context.Context, sourceName string, limit int) ([]models.Guide, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, source_name, file_fingerprint, slide_count, intro, outro
		FROM guides
		WHERE ? = '' OR source_name = ?
		ORDER BY id DESC
		LIMIT ?;
	`, sourceName, sourceName, limit)
	if err != nil {
		return nil, fmt.Errorf("query guides: %w", err)
	}
	var guides []models.Guide
	for rows.Next() {
		var g models.Guide
		if err := rows.Scan(&g.ID, &g.CreatedAt, &g.SourceName, &g.FileFingerprint, &g.SlideCount, &g.Intro, &g.Outro); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan guide: %w", err)
		}
		guides = append(guides, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range guides {
		qs, err := s.questions(ctx, guides[i].ID)
		if err != nil {
			return nil, err
		}
		guides[i].Questions = qs
	}
	return guides, nil
}

func (s *HistoryService) questions(ctx context.Context, guideID int64) ([]models.HistoryQuestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guide_id, slide_num, question_type, question_text, answer,
			example_answer, options, items, correct_order, selected
		FROM guide_questions
		WHERE guide_id = ?
		ORDER BY slide_num ASC, id ASC;
	`, guideID)
	if err != nil {
		return nil, fmt.Errorf("query guide questions: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryQuestion
	for rows.Next() {
		var q models.HistoryQuestion
		if err := rows.Scan(
			&q.ID,
			&q.GuideID,
			&q.SlideNum,
			&q.QuestionType,
			&q.QuestionText,
			&q.Answer,
			&q.ExampleAnswer,
			&q.Options,
			&q.Items,
			&q.CorrectOrder,
			&q.Selected,
		); err != nil {
			return nil, fmt.Errorf("scan guide question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func flatten(page int, r questions.Record) models.HistoryQuestion {
	row := models.HistoryQuestion{
		SlideNum:      page,
		QuestionType:  string(r.Kind()),
		QuestionText:  r.Text(),
		Answer:        questions.AnswerText(r),
		ExampleAnswer: r.Common().ExampleAnswer,
		Selected:      r.Common().IsSelected(),
	}
	switch q := r.(type) {
	case *questions.MultipleChoice:
		row.Options = jsonList(q.Options)
	case *questions.Ordering:
		row.Items = jsonList(q.Items)
		row.CorrectOrder = jsonList(q.CorrectOrder)
	}
	return row
}

func jsonList[T any](items []T) string {
	if len(items) == 0 {
		return ""
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(raw)
}
