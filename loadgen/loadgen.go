package loadgen

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	log "github.com/freundallein/corrector/chassis/logging"
	"github.com/freundallein/corrector/chassis/protocol"
	"github.com/freundallein/corrector/chassis/storage"
)

var letters = []rune("abcdefghijklmnopqrstuvwxyz0123456789")

// Publisher ...
type Publisher interface {
	DeclareQueue(name string) error
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Store - inserts the rows a correction request refers to
type Store interface {
	CreateAssignment(ctx context.Context, name, language string) (string, error)
	CreateSubmission(ctx context.Context, studentID, assignmentID string) error
}

// Config ...
type Config struct {
	Broker     Publisher
	StorageDSN string
	Queue      string
	Interval   time.Duration
	Subject    string
	Year       string
	Language   string
}

type pgStore struct {
	conn *pgx.Conn
}

func (s *pgStore) CreateAssignment(ctx context.Context, name, language string) (string, error) {
	id := uuid.New().String()
	query := `insert into practice(id, name, programming_language) values ($1, $2, $3)`
	if _, err := s.conn.Exec(ctx, query, id, name, language); err != nil {
		return "", err
	}
	return id, nil
}

func (s *pgStore) CreateSubmission(ctx context.Context, studentID, assignmentID string) error {
	query := `
	insert into practicesuserslink(user_niub, practice_id, submission_date, status, submission_file_name)
	values ($1, $2, now(), $3, $4)
	`
	_, err := s.conn.Exec(ctx, query, studentID, assignmentID, string(storage.SUBMITTED), studentID+".zip")
	return err
}

func randSeq(rnd *rand.Rand, n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rnd.Intn(len(letters))]
	}
	return string(b)
}

// newRequest builds the message a submission upload would produce.
func newRequest(cfg *Config, task, assignmentID, studentID string) *protocol.CorrectionRequest {
	return &protocol.CorrectionRequest{
		Subject:    cfg.Subject,
		Year:       cfg.Year,
		Task:       task,
		TaskID:     assignmentID,
		StudentID:  studentID,
		Language:   cfg.Language,
		StudentDir: "submissions/" + cfg.Subject + "/" + task + "/" + studentID,
		TeacherDir: "tasks/" + cfg.Subject + "/" + task,
	}
}

// submit inserts one submission and publishes its correction request.
func submit(ctx context.Context, cfg *Config, store Store, task, assignmentID, studentID string) error {
	if err := store.CreateSubmission(ctx, studentID, assignmentID); err != nil {
		return err
	}
	body, err := newRequest(cfg, task, assignmentID, studentID).JSON()
	if err != nil {
		return err
	}
	return cfg.Broker.Publish(ctx, cfg.Queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func generate(ctx context.Context, cfg *Config, store Store, group *sync.WaitGroup) {
	defer group.Done()
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	task := "p" + randSeq(rnd, 4)
	assignmentID, err := store.CreateAssignment(ctx, task, cfg.Language)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "create_assignment_failed",
		}).Error(err)
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event": "ctx_canceled",
			}).Info("exit goroutine")
			return
		case <-ticker.C:
			student := "niub" + randSeq(rnd, 8)
			if err := submit(ctx, cfg, store, task, assignmentID, student); err != nil {
				log.WithFields(log.Fields{
					"event":   "submit_failed",
					"student": student,
				}).Error(err)
				continue
			}
			log.WithFields(log.Fields{
				"event":   "submission_published",
				"student": student,
				"task":    assignmentID,
			}).Debug(task)
		}
	}
}

// Run connects to the database and publishes one request per interval.
func Run(ctx context.Context, cfg *Config, group *sync.WaitGroup) error {
	if err := cfg.Broker.DeclareQueue(cfg.Queue); err != nil {
		return err
	}
	conn, err := pgx.Connect(ctx, cfg.StorageDSN)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event":    "start_service",
		"queue":    cfg.Queue,
		"language": cfg.Language,
	}).Info("publishing every ", cfg.Interval)
	var inner sync.WaitGroup
	inner.Add(1)
	go generate(ctx, cfg, &pgStore{conn: conn}, &inner)
	group.Add(1)
	go func() {
		defer group.Done()
		inner.Wait()
		if err := conn.Close(context.Background()); err != nil {
			log.WithFields(log.Fields{
				"event": "storage_close_failed",
			}).Error(err)
		}
	}()
	return nil
}
