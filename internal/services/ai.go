package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"slide-guide/internal/cache"
	"slide-guide/internal/fingerprint"
	"slide-guide/internal/questions"
)

const defaultTimeout = 2 * time.Minute

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
// that accepts image input.
type OpenAIProvider struct {
	client   *openai.Client
	model    string
	advanced string
	timeout  time.Duration
}

func NewOpenAIProvider(apiKey, apiEndpoint, model, advancedModel string, timeout time.Duration) *OpenAIProvider {
	if apiKey == "" {
		return &OpenAIProvider{}
	}

	cfg := openai.DefaultConfig(apiKey)
	if apiEndpoint != "" {
		cfg.BaseURL = apiEndpoint
	}
	if advancedModel == "" {
		advancedModel = model
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenAIProvider{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		advanced: advancedModel,
		timeout:  timeout,
	}
}

func (p *OpenAIProvider) disabled() bool {
	return p == nil || p.client == nil || p.model == ""
}

// Enabled reports whether the provider has credentials and a model.
func (p *OpenAIProvider) Enabled() bool { return !p.disabled() }

// Models returns the default and advanced model names.
func (p *OpenAIProvider) Models() (string, string) { return p.model, p.advanced }

const (
	systemSummary  = "You are an expert at analyzing lecture slides and extracting key information concisely."
	systemQuestion = "You are an expert educator creating study guide questions from lecture slides. " +
		"Generate questions that promote active learning and deep engagement with the material."
	systemAnswer = "You are an expert educator providing model answers for study guide questions."
	systemSelect = "You are reviewing questions for a student note-taking guide. " +
		"The guide should be approximately 2 pages (maximum 3 pages). " +
		"Select the best mix of questions for effective learning."
	systemVerify = "You are an expert educator checking study guide answers against lecture slides."
)

const questionFormats = `Valid question formats:
- open_ended: {"type": "open_ended", "question": "...", "example_answer": "A model answer (2-3 sentences)", "notes_prompt": "[Your notes:]"}
- short_answer: {"type": "short_answer", "prompt": "What does XYZ stand for?", "answer": "..."}
- fill_in_blank: {"type": "fill_in_blank", "sentence": "The _____ is ...", "answer": "term"}
- true_false: {"type": "true_false", "statement": "...", "answer": true}
- multiple_choice: {"type": "multiple_choice", "question": "...", "options": ["A) ...", "B) ...", "C) ...", "D) ..."], "answer": "B"}
- put_in_order: {"type": "put_in_order", "instruction": "Arrange these steps in order:", "items": ["...", "..."], "correct_order": [1, 0]}

Return ONLY valid JSON of the form {"questions": [ ... ]} with no other text.
For open_ended questions always include an "example_answer" based on the slide content.`

const analyzePrompt = `Analyze this lecture slide carefully, including any charts, graphs, or diagrams.

Generate exactly 3 questions for a student note-taking guide:
1. One OPEN-ENDED question (REQUIRED) encouraging critical thinking about the content
2. Two additional questions chosen from the types below

Priority order, use higher priority types when they fit the content:
1. open_ended: critical thinking, synthesis, analysis
2. short_answer: acronyms, definitions, key terms
3. fill_in_blank: key terms in context
4. true_false: common misconceptions or facts
5. multiple_choice: ONLY for meaningfully different conceptual alternatives, never for acronyms or simple definitions
6. put_in_order: processes, sequences, steps

`

var typeInstructions = map[questions.Kind]string{
	questions.KindOpenEnded:      "- OPEN_ENDED: a thought-provoking question encouraging critical thinking",
	questions.KindShortAnswer:    "- SHORT_ANSWER: for acronyms, definitions, or terms (student writes a brief answer)",
	questions.KindFillInBlank:    "- FILL_IN_BLANK: a sentence with a key term blanked out with _____",
	questions.KindTrueFalse:      "- TRUE_FALSE: a statement that is clearly true or false",
	questions.KindMultipleChoice: "- MULTIPLE_CHOICE: a question with 4 options (A-D), one correct",
	questions.KindOrdering:       "- PUT_IN_ORDER: 3-5 items to arrange in correct sequence",
}

// GenerateQuestions asks for questions about one slide. Regeneration requests
// produce one question per requested type.
func (p *OpenAIProvider) GenerateQuestions(ctx context.Context, jpeg []byte, params fingerprint.GenerationParams) (cache.Response, error) {
	if p.disabled() {
		return cache.Response{}, ErrAIUnavailable
	}

	var prompt strings.Builder
	if params.Purpose == PurposeRegenerate {
		kinds := requestedKinds(params.QuestionTypes)
		prompt.WriteString(fmt.Sprintf("Analyze this lecture slide and generate exactly %d question(s) using ONLY these types:\n", len(kinds)))
		for _, kind := range kinds {
			prompt.WriteString(typeInstructions[kind] + "\n")
		}
		prompt.WriteString("\n")
	} else {
		prompt.WriteString(analyzePrompt)
		if kinds := requestedKinds(params.QuestionTypes); len(kinds) > 0 && len(kinds) < len(questions.Kinds()) {
			names := make([]string, len(kinds))
			for i, kind := range kinds {
				names[i] = string(kind)
			}
			prompt.WriteString("Only use these question types: " + strings.Join(names, ", ") + ".\n\n")
		}
	}
	prompt.WriteString(questionFormats)
	prompt.WriteString(instructorContext(params.CourseContext, params.Instructions))

	return p.chat(ctx, "generate questions", p.pick(params.Model), systemQuestion, prompt.String(), jpeg, 2500)
}

// VerifyAnswers asks the model to correct wrong answers in set.
func (p *OpenAIProvider) VerifyAnswers(ctx context.Context, jpeg []byte, set questions.Set) (cache.Response, error) {
	if p.disabled() {
		return cache.Response{}, ErrAIUnavailable
	}
	current, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return cache.Response{}, fmt.Errorf("encode questions for verification: %w", err)
	}

	prompt := `Look at this slide and verify the correctness of the answers for these questions.
For each question, check if the answer is correct based on the slide content.
If any answer is wrong, provide the correct answer.

Current questions and answers:
` + string(current) + `

Return ONLY valid JSON of the form {"questions": [ ... ]} with the corrected questions in the same format.
If all answers are correct, return the questions unchanged.
Preserve every field, including example_answer for open-ended questions. If an example_answer is missing or weak, add or improve it.`

	return p.chat(ctx, "verify answers", p.model, systemVerify, prompt, jpeg, 2000)
}

// GenerateTeacherAnswer writes a model answer for one question.
func (p *OpenAIProvider) GenerateTeacherAnswer(ctx context.Context, jpeg []byte, q questions.Record, courseContext string) (cache.Response, error) {
	if p.disabled() {
		return cache.Response{}, ErrAIUnavailable
	}
	prompt := "Look at this slide and provide a model answer (2-3 sentences) for this open-ended question:\n\n" +
		"Question: " + sanitizeForPrompt(q.Text(), 600) + "\n\n" +
		"Write a clear, concise example answer that a student might give based on the slide content.\n" +
		"Return ONLY the answer text, no additional formatting or explanation." +
		instructorContext(courseContext, "")

	return p.chat(ctx, "teacher answer", p.model, systemAnswer, prompt, jpeg, 500)
}

// Summarize writes a one or two sentence overview of an intro or outro slide.
func (p *OpenAIProvider) Summarize(ctx context.Context, jpeg []byte, params fingerprint.GenerationParams) (cache.Response, error) {
	if p.disabled() {
		return cache.Response{}, ErrAIUnavailable
	}
	var prompt string
	switch params.Purpose {
	case PurposeIntro:
		prompt = "Analyze this introductory slide and write a 1-2 sentence overview. " +
			"Include the topic/title and main learning objectives. "
	case PurposeOutro:
		prompt = "Analyze this concluding slide and write a 1-2 sentence summary of the key takeaways. "
	default:
		return cache.Response{}, fmt.Errorf("summarize: unsupported purpose %q", params.Purpose)
	}
	prompt += "Write in plain text only - no markdown, no bullets, no special formatting. Be concise and direct."

	return p.chat(ctx, "summarize "+params.Purpose, p.pick(params.Model), systemSummary, prompt, jpeg, 1000)
}

// SelectQuestions asks the advanced model to pick a guide's worth of
// questions. The reply is JSON {"selected":[{"slide":n,"index":i}]}.
func (p *OpenAIProvider) SelectQuestions(ctx context.Context, summaries []QuestionSummary, totalSlides int) (cache.Response, error) {
	if p.disabled() {
		return cache.Response{}, ErrAIUnavailable
	}
	trimmed := make([]QuestionSummary, len(summaries))
	for i, s := range summaries {
		s.Text = sanitizeForPrompt(s.Text, 300)
		trimmed[i] = s
	}
	listing, err := json.MarshalIndent(trimmed, "", "  ")
	if err != nil {
		return cache.Response{}, fmt.Errorf("encode question summaries: %w", err)
	}

	prompt := fmt.Sprintf(`There are %d slides total. Not every slide needs a question. Select the BEST questions that
cover the most important concepts, have a good variety of types, are clear and well-written, and help students engage with the material.

Requirements:
- 50-75%% of selected questions should be "open_ended" or "short_answer"
- at least 25%% should be other types (fill_in_blank, true_false, multiple_choice, put_in_order)
- prefer open_ended, then short_answer, then fill_in_blank and true_false; use multiple_choice only when conceptually meaningful

Here are all the generated questions:
%s

Select approximately 15-20 questions total (enough for about 2 pages).

Return ONLY valid JSON listing which questions to INCLUDE:
{"selected": [{"slide": 4, "index": 0}, {"slide": 5, "index": 1}]}`, totalSlides, listing)

	return p.chat(ctx, "select questions", p.advanced, systemSelect, prompt, nil, 2000)
}

func (p *OpenAIProvider) pick(model string) string {
	if model != "" {
		return model
	}
	return p.model
}

func (p *OpenAIProvider) chat(ctx context.Context, op, model, system, prompt string, jpeg []byte, maxTokens int) (cache.Response, error) {
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt}
	if len(jpeg) > 0 {
		user = openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
						Detail: openai.ImageURLDetailHigh,
					},
				},
				{
					Type: openai.ChatMessagePartTypeText,
					Text: prompt,
				},
			},
		}
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			user,
		},
		Temperature: 0.4,
		MaxTokens:   maxTokens,
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return cache.Response{}, &ProviderError{Op: op, StatusCode: statusCode(err), Err: err}
	}
	if len(resp.Choices) == 0 {
		return cache.Response{}, &ProviderError{Op: op, Err: errNoChoices}
	}

	reported := resp.Model
	if reported == "" {
		reported = model
	}
	return cache.Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        reported,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// requestedKinds keeps known kinds in canonical order.
func requestedKinds(raw []string) []questions.Kind {
	want := make(map[questions.Kind]bool, len(raw))
	for _, r := range raw {
		if kind, err := questions.ParseKind(r); err == nil {
			want[kind] = true
		}
	}
	var out []questions.Kind
	for _, kind := range questions.Kinds() {
		if want[kind] {
			out = append(out, kind)
		}
	}
	return out
}

func instructorContext(courseContext, instructions string) string {
	var parts []string
	if c := sanitizeForPrompt(courseContext, 400); c != "" {
		parts = append(parts, "Course: "+c)
	}
	if i := sanitizeForPrompt(instructions, 1200); i != "" {
		parts = append(parts, i)
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n\nAdditional context from instructor: " + strings.Join(parts, ". ")
}

func sanitizeForPrompt(input string, limit int) string {
	collapsed := strings.Join(strings.Fields(strings.TrimSpace(input)), " ")
	if limit <= 0 {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= limit {
		return collapsed
	}
	if limit > 3 {
		return string(runes[:limit-3]) + "..."
	}
	return string(runes[:limit])
}
