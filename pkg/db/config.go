package db

import "github.com/smallbiznis/escrowd/internal/config"

// Config describes the datastore connection. Password is the datastore key and
// is injected into the URL only when opening the connection.
type Config struct {
	Type            string
	URL             string
	Password        string
	Debug           bool
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}

func NewConfig(cfg config.Config) Config {
	return Config{
		Type:            cfg.DBType,
		URL:             cfg.DatastoreURL,
		Password:        cfg.DatastoreKey,
		Debug:           !cfg.IsProduction(),
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	}
}
