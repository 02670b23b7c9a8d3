package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"tripmate/internal/trip"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = ":4002"
	} else {
		port = ":" + port
	}

	addr := flag.String("addr", port, "HTTP network address")
	flag.Parse()

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)
	logger := &appLogger{info: infoLog, err: errorLog}

	cfg, err := trip.LoadTripConfig()
	if err != nil {
		errorLog.Fatal(err)
	}

	db, err := openDB(os.Getenv("DATABASE_URL"))
	if err != nil {
		errorLog.Fatal(err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     getenvDefault("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()

	deps := &trip.TripDeps{
		DB:     db,
		RDB:    rdb,
		Logger: logger,
		Config: cfg,
		Motion: &redisMotionSensor{rdb: rdb},
		Router: &routerClient{
			http:    &http.Client{Timeout: 15 * time.Second},
			baseURL: getenvDefault("ROUTE_ENGINE_URL", "http://localhost:4010"),
		},
	}

	mux := http.NewServeMux()
	if err := trip.RegisterTripRoutes(mux, deps); err != nil {
		errorLog.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := trip.StartTripWorkers(ctx, deps); err != nil {
		errorLog.Fatal(err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
	})

	srv := &http.Server{
		Addr:         *addr,
		ErrorLog:     errorLog,
		Handler:      c.Handler(mux),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	infoLog.Printf("Starting trip coordination server on %s", *addr)
	if err := srv.ListenAndServe(); err != nil {
		errorLog.Fatal(err)
	}
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

type appLogger struct {
	info *log.Logger
	err  *log.Logger
}

func (l *appLogger) Infof(format string, args ...interface{}) {
	l.info.Printf(format, args...)
}

func (l *appLogger) Errorf(format string, args ...interface{}) {
	l.err.Printf(format, args...)
}
