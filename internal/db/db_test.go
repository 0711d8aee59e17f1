package db

import (
	"net/url"
	"testing"

	"github.com/insurepro/apiserver/config"
)

func TestURL(t *testing.T) {
	cfg := config.Config{Database: config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "claims",
		Password: "p@ss word",
		DBName:   "insurepro",
		UseSSL:   true,
	}}

	u, err := url.Parse(URL(cfg))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Host != "db.internal:5433" {
		t.Fatalf("unexpected host %q", u.Host)
	}
	if pw, _ := u.User.Password(); pw != "p@ss word" {
		t.Fatalf("password not round-tripped: %q", pw)
	}
	if u.Query().Get("sslmode") != "require" {
		t.Fatalf("expected sslmode=require, got %q", u.Query().Get("sslmode"))
	}

	cfg.Database.UseSSL = false
	u, _ = url.Parse(URL(cfg))
	if u.Query().Get("sslmode") != "disable" {
		t.Fatalf("expected sslmode=disable, got %q", u.Query().Get("sslmode"))
	}
}
