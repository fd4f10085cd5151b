package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

var mentionRegex = regexp.MustCompile(`<@[A-Z0-9]+>`)

const historyPageSize = 10
const threadHistoryLimit = 6

// threadHistory remembers recent Q&A per Slack thread so follow-up
// questions can reference prior context. The Slack surface is the caller
// here; the pipeline itself stays stateless.
type threadHistory struct {
	mu      sync.Mutex
	entries map[string][]string
}

func newThreadHistory() *threadHistory {
	return &threadHistory{entries: make(map[string][]string)}
}

func (h *threadHistory) get(thread string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	lines := h.entries[thread]
	if len(lines) == 0 {
		return ""
	}
	return "Previous conversation:\n" + strings.Join(lines, "\n")
}

func (h *threadHistory) add(thread, question, answer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lines := append(h.entries[thread],
		fmt.Sprintf("User: %s", question),
		fmt.Sprintf("Assistant: %s", preview(answer)))
	if len(lines) > threadHistoryLimit {
		lines = lines[len(lines)-threadHistoryLimit:]
	}
	h.entries[thread] = lines
}

// StartSlackBot serves the pipeline over Slack Socket Mode: the /ask slash
// command and app mentions run a question through the pipeline, /history
// lists recent answers from the ask-history store.
func StartSlackBot(cfg Config, db *sql.DB, pipeline *Pipeline, api *slack.Client) error {
	client := socketmode.New(api)
	history := newThreadHistory()

	go func() {
		for evt := range client.Events {
			switch evt.Type {
			case socketmode.EventTypeSlashCommand:
				client.Ack(*evt.Request)
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				log.Printf("Slash command received: %s from user=%s channel=%s", cmd.Command, cmd.UserID, cmd.ChannelID)
				go handleSlashCommand(api, db, cfg, pipeline, cmd)
			case socketmode.EventTypeEventsAPI:
				client.Ack(*evt.Request)
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				go handleEventsAPI(api, db, cfg, pipeline, history, eventsAPIEvent)
			}
		}
	}()

	log.Println("Slack bot connected via Socket Mode")
	return client.Run()
}

func handleSlashCommand(api *slack.Client, db *sql.DB, cfg Config, pipeline *Pipeline, cmd slack.SlashCommand) {
	switch cmd.Command {
	case "/ask":
		handleAskCommand(api, db, cfg, pipeline, cmd)
	case "/history":
		handleHistoryCommand(api, db, cmd)
	}
}

func handleAskCommand(api *slack.Client, db *sql.DB, cfg Config, pipeline *Pipeline, cmd slack.SlashCommand) {
	question := strings.TrimSpace(cmd.Text)
	if question == "" {
		postEphemeral(api, cmd.ChannelID, cmd.UserID, "Usage: `/ask <question about your demand data>`")
		return
	}

	result, err := answerQuestion(db, cfg, pipeline, AskRequest{Question: question})
	answer := result.Answer
	if err != nil {
		log.Printf("slack ask failed question=%q err=%v", preview(question), err)
		answer = fmt.Sprintf("Sorry, I couldn't answer that: %v", err)
	}
	if _, _, err := api.PostMessage(cmd.ChannelID, slack.MsgOptionText(answer, false)); err != nil {
		log.Printf("slack post error: %v", err)
	}
}

func handleHistoryCommand(api *slack.Client, db *sql.DB, cmd slack.SlashCommand) {
	if db == nil {
		postEphemeral(api, cmd.ChannelID, cmd.UserID, "History is not enabled.")
		return
	}
	records, err := RecentAskRecords(db, historyPageSize)
	if err != nil {
		log.Printf("slack history error: %v", err)
		postEphemeral(api, cmd.ChannelID, cmd.UserID, "Could not load history.")
		return
	}
	if len(records) == 0 {
		postEphemeral(api, cmd.ChannelID, cmd.UserID, "No questions answered yet.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d questions:\n", len(records))
	for _, rec := range records {
		fmt.Fprintf(&b, "• _%s_ → %s (%s, confidence %.2f)\n", rec.Question, rec.FormattedValue, rec.Endpoint, rec.Confidence)
	}
	postEphemeral(api, cmd.ChannelID, cmd.UserID, b.String())
}

func handleEventsAPI(api *slack.Client, db *sql.DB, cfg Config, pipeline *Pipeline, history *threadHistory, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	mention, ok := event.InnerEvent.Data.(*slackevents.AppMentionEvent)
	if !ok {
		return
	}

	question := strings.TrimSpace(mentionRegex.ReplaceAllString(mention.Text, ""))
	if question == "" {
		return
	}

	thread := mention.ThreadTimeStamp
	if thread == "" {
		thread = mention.TimeStamp
	}

	answer := answerMention(db, cfg, pipeline, history, thread, question)

	if _, _, err := api.PostMessage(mention.Channel,
		slack.MsgOptionText(answer, false),
		slack.MsgOptionTS(thread)); err != nil {
		log.Printf("slack post error: %v", err)
	}
}

// answerMention runs a mention question with the thread's prior context.
// Failed runs stay out of the thread history so a retry never sees the
// apology as assistant output.
func answerMention(db *sql.DB, cfg Config, pipeline *Pipeline, history *threadHistory, thread, question string) string {
	prior := history.get(thread)
	result, err := answerQuestion(db, cfg, pipeline, AskRequest{
		Question:            question,
		ConversationHistory: prior,
		IsFollowup:          prior != "",
	})
	if err != nil {
		log.Printf("slack ask failed question=%q err=%v", preview(question), err)
		return fmt.Sprintf("Sorry, I couldn't answer that: %v", err)
	}
	history.add(thread, question, result.Answer)
	return result.Answer
}

// answerQuestion runs the pipeline and records successful answers in the
// ask-history store, same as the HTTP surface.
func answerQuestion(db *sql.DB, cfg Config, pipeline *Pipeline, req AskRequest) (PipelineResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*cfg.ExternalHTTPTimeout())
	defer cancel()

	started := time.Now()
	result, err := pipeline.Run(ctx, req)
	if err != nil {
		return PipelineResult{}, err
	}
	if db != nil {
		if err := InsertAskRecord(db, askRecordFromResult(result, time.Since(started))); err != nil {
			log.Printf("ask history insert failed: %v", err)
		}
	}
	return result, nil
}

func postEphemeral(api *slack.Client, channel, user, text string) {
	if _, err := api.PostEphemeral(channel, user, slack.MsgOptionText(text, false)); err != nil {
		log.Printf("slack ephemeral post error: %v", err)
	}
}
