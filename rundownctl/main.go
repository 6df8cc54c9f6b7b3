package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/IBM/sarama"
	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/rundownlabs/collab/collab"
)

const RundownCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Rundown control.

Configuration is read from a yaml file, e.g.:
    redis_addr: localhost:6379
    api_url: https://api.rundown.example
    mysql_dsn: user:pass@tcp(localhost:3306)/rundown?parseTime=true
    kafka:
        brokers: [localhost:9092]
        topic: rundown-diagnostics

When mysql_dsn is set the store reads the database directly,
otherwise it goes through api_url.

Usage:
    rundownctl watch --config=<config> --jwt=<jwt> <document_id>
        [--message_count=<message_count>]
    rundownctl send --config=<config> --jwt=<jwt> <document_id>
        <item_id> <field> <value>
    rundownctl version --config=<config> --jwt=<jwt> <document_id>
    rundownctl snapshot --config=<config> --jwt=<jwt> <document_id>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Path to the yaml config file.
    --jwt=<jwt>                      Your session JWT.
    --message_count=<message_count>  Print this many updates then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RundownCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if version_, _ := opts.Bool("version"); version_ {
		version(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	}
}

func loadConfig(opts docopt.Opts) *viper.Viper {
	configPath, _ := opts.String("--config")

	config := viper.New()
	config.SetConfigFile(configPath)
	config.SetDefault("redis_addr", "localhost:6379")
	if err := config.ReadInConfig(); err != nil {
		Err.Fatalf("Cannot read config (%s).", err)
	}
	return config
}

func buildTransport(config *viper.Viper) collab.Transport {
	client := redis.NewClient(&redis.Options{
		Addr: config.GetString("redis_addr"),
	})
	return collab.NewRedisTransportWithDefaults(client)
}

func buildStore(config *viper.Viper, jwt string) collab.DocumentStore {
	if dsn := config.GetString("mysql_dsn"); dsn != "" {
		store, err := collab.NewSqlDocumentStore(dsn)
		if err != nil {
			Err.Fatalf("Cannot open store (%s).", err)
		}
		return store
	}
	api := collab.NewRundownApi(config.GetString("api_url"))
	api.SetByJwt(jwt)
	return api
}

// attach a kafka diagnostics sink when brokers are configured
func buildKafkaSink(config *viper.Viper, diagnostics *collab.Diagnostics) *collab.KafkaDiagnosticsSink {
	brokers := config.GetStringSlice("kafka.brokers")
	if len(brokers) == 0 {
		return nil
	}
	topic := config.GetString("kafka.topic")

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, kafkaConfig)
	if err != nil {
		Err.Fatalf("Cannot create kafka producer (%s).", err)
	}
	return collab.NewKafkaDiagnosticsSinkWithDefaults(producer, topic, diagnostics)
}

// the user id claim from the jwt, or a fresh id when absent
func jwtUserId(jwt string) collab.Id {
	claims := gojwt.MapClaims{}
	gojwt.NewParser().ParseUnverified(jwt, claims)

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := collab.ParseId(userIdStr); err == nil {
			return userId
		}
	}
	return collab.NewId()
}

func buildEngine(ctx context.Context, opts docopt.Opts, config *viper.Viper) (*collab.Engine, *collab.KafkaDiagnosticsSink) {
	jwt, _ := opts.String("--jwt")

	engine := collab.NewEngineWithDefaults(
		ctx,
		buildTransport(config),
		buildStore(config, jwt),
		collab.NewSession(jwt),
		jwtUserId(jwt),
		collab.NewId(),
	)
	sink := buildKafkaSink(config, engine.Diagnostics())
	return engine, sink
}

// print updates as they arrive
func watch(opts docopt.Opts) {
	documentId, _ := opts.String("<document_id>")

	var messageCount int
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	} else {
		messageCount = -1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := loadConfig(opts)
	engine, sink := buildEngine(cancelCtx, opts, config)
	defer engine.Close()
	if sink != nil {
		defer sink.Close()
	}

	remaining := make(chan struct{}, 1)
	count := 0
	removeUpdate := engine.AddUpdateCallback(func(envelope *collab.Envelope) {
		switch envelope.Kind {
		case collab.MessageKindCellUpdate:
			update := envelope.CellUpdate
			Out.Printf("[cell] %s %s = %v (%s)", update.FieldKey(), update.UserId, update.Value, update.Timestamp.Format(time.RFC3339))
		case collab.MessageKindFocus:
			focus := envelope.Focus
			state := "focused"
			if !focus.IsFocused {
				state = "released"
			}
			Out.Printf("[focus] %s %s %s", focus.FieldKey(), focus.UserName, state)
		case collab.MessageKindStructural:
			structural := envelope.Structural
			Out.Printf("[structural] %s %s at %d", structural.Op, structural.ItemId, structural.Index)
		}
		count += 1
		if 0 < messageCount && messageCount <= count {
			remaining <- struct{}{}
		}
	})
	defer removeUpdate()

	removeSnapshot := engine.AddSnapshotCallback(func(documentId string, document *collab.Document, result *collab.GapResolutionResult) {
		Out.Printf("[snapshot] v%d %s preserved=%s", document.Version, result.Reason, strings.Join(result.PreservedOperations, ","))
	})
	defer removeSnapshot()

	closeDocument, err := engine.OpenDocument(documentId, nil)
	if err != nil {
		Err.Fatalf("Cannot open document (%s).", err)
	}
	defer closeDocument()

	Out.Printf("Watching %s.", documentId)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-remaining:
	}
}

// edit a single field and exit
func send(opts docopt.Opts) {
	documentId, _ := opts.String("<document_id>")
	itemId, _ := opts.String("<item_id>")
	field, _ := opts.String("<field>")
	value, _ := opts.String("<value>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := loadConfig(opts)
	engine, sink := buildEngine(cancelCtx, opts, config)
	defer engine.Close()
	if sink != nil {
		defer sink.Close()
	}

	closeDocument, err := engine.OpenDocument(documentId, nil)
	if err != nil {
		Err.Fatalf("Cannot open document (%s).", err)
	}
	defer closeDocument()

	if err := engine.EditField(documentId, itemId, field, value); err != nil {
		Err.Fatalf("Cannot edit field (%s).", err)
	}

	// give the debounced broadcast time to go out
	time.Sleep(1 * time.Second)
	Out.Printf("Sent %s = %s.", collab.NewFieldKey(itemId, field), value)
}

func version(opts docopt.Opts) {
	documentId, _ := opts.String("<document_id>")
	jwt, _ := opts.String("--jwt")

	config := loadConfig(opts)
	store := buildStore(config, jwt)

	documentVersion, err := store.GetDocumentVersion(context.Background(), documentId)
	if err != nil {
		Err.Fatalf("Cannot read version (%s).", err)
	}
	Out.Printf("%d", documentVersion)
}

func snapshot(opts docopt.Opts) {
	documentId, _ := opts.String("<document_id>")
	jwt, _ := opts.String("--jwt")

	config := loadConfig(opts)
	store := buildStore(config, jwt)

	document, err := store.GetDocument(context.Background(), documentId)
	if err != nil {
		Err.Fatalf("Cannot read document (%s).", err)
	}
	documentBytes, err := json.MarshalIndent(document, "", "    ")
	if err != nil {
		Err.Fatalf("Cannot encode document (%s).", err)
	}
	fmt.Println(string(documentBytes))
}
