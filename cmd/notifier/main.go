// The notifier drains the notification queue and delivers one email per
// task. Without SMTP or a recipient domain configured it logs the tasks
// instead, which keeps the queue from growing unbounded in development.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartdec/cs-comments-service/internal/config"
	"github.com/smartdec/cs-comments-service/internal/email"
	"github.com/smartdec/cs-comments-service/internal/notifications"
)

const dequeueWait = 5 * time.Second

func main() {
	cfg := config.Load()

	queue, err := notifications.NewQueue(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer queue.Close()

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	deliver := mailer.IsConfigured() && cfg.NotifyEmailDomain != ""
	if deliver {
		log.Printf("notifier delivering to @%s via %s", cfg.NotifyEmailDomain, cfg.SMTPHost)
	} else {
		log.Printf("notifier running in log-only mode (SMTP or NOTIFY_EMAIL_DOMAIN not configured)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	for {
		task, ok, err := queue.Dequeue(ctx, dequeueWait)
		if ctx.Err() != nil {
			log.Printf("notifier shutting down")
			return
		}
		if err != nil {
			log.Printf("dequeue failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		if !deliver {
			log.Printf(`{"event":"notification","recipient":"%s","thread":"%s","comment":"%s"}`,
				task.RecipientID, task.ThreadID, task.CommentID)
			continue
		}

		to := task.RecipientID + "@" + cfg.NotifyEmailDomain
		err = mailer.SendCommentNotification(to, email.CommentNotification{
			ThreadTitle: task.ThreadTitle,
			CourseID:    task.CourseID,
		})
		if err != nil {
			log.Printf("send to %s failed: %v", to, err)
			continue
		}
		log.Printf("notified %s about comment %s", to, task.CommentID)
	}
}
