package main

import (
	"log"
	"net/http"

	"github.com/slack-go/slack"
)

func main() {
	cfg := LoadConfig()

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()
	log.Printf("Database initialized at %s", cfg.DBPath)

	externalHTTPClient := &http.Client{Timeout: cfg.ExternalHTTPTimeout()}

	llm, err := NewCompletionClient(cfg, externalHTTPClient)
	if err != nil {
		log.Fatalf("Failed to build completion client: %v", err)
	}

	fetcher := NewFetcher(cfg, externalHTTPClient)
	pipeline := NewPipeline(NewClassifier(llm), fetcher, NewSynthesizer(llm))

	StartHealthScheduler(cfg, fetcher)

	if cfg.SlackConfigured() {
		api := slack.New(cfg.SlackBotToken, slack.OptionAppLevelToken(cfg.SlackAppToken))
		go func() {
			if err := StartSlackBot(cfg, db, pipeline, api); err != nil {
				log.Fatalf("Slack bot error: %v", err)
			}
		}()
	} else {
		log.Println("Slack surface disabled (slack_bot_token/slack_app_token not set)")
	}

	server := NewServer(pipeline, db)
	log.Printf("Starting demand Q&A server on %s (provider=%s, graphql=%s)", cfg.HTTPAddr, cfg.LLMProvider, cfg.GraphQLURL)
	if err := http.ListenAndServe(cfg.HTTPAddr, server.Handler()); err != nil {
		log.Fatalf("HTTP server error: %v", err)
	}
}
