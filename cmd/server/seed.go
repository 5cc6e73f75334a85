package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type seedYAML struct {
	Models []seedModel `yaml:"models"`
	Users  []seedUser  `yaml:"users"`
}

type seedModel struct {
	Name     string `yaml:"name"`
	CodeName string `yaml:"code_name"`
	Version  string `yaml:"version"`
	Cost     string `yaml:"cost"`
	IsActive bool   `yaml:"is_active"`
}

type seedUser struct {
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Email     string `yaml:"email"`
	Role      string `yaml:"role"`
	Balance   string `yaml:"balance"`
}

// seedFromYAML loads default models and accounts. Inserts are idempotent;
// rows that already exist are left untouched, so restarts don't reset
// balances.
func seedFromYAML(ctx context.Context, pool *pgxpool.Pool, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=seed.read: %w", err)
	}
	var doc seedYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("op=seed.parse: %w", err)
	}

	for _, m := range doc.Models {
		if m.Name == "" || m.CodeName == "" {
			return fmt.Errorf("op=seed.model: name and code_name are required")
		}
		cost := m.Cost
		if cost == "" {
			cost = "10.00"
		}
		if _, err := decimal.NewFromString(cost); err != nil {
			return fmt.Errorf("op=seed.model name=%s cost=%q: %w", m.Name, m.Cost, err)
		}
		version := m.Version
		if version == "" {
			version = "1.0.0"
		}
		_, err := pool.Exec(ctx,
			`INSERT INTO ml_model (name, code_name, version, is_active, cost)
			 VALUES ($1, $2, $3, $4, $5::numeric)
			 ON CONFLICT (code_name) DO NOTHING`,
			m.Name, m.CodeName, version, m.IsActive, cost)
		if err != nil {
			return fmt.Errorf("op=seed.model name=%s: %w", m.Name, err)
		}
	}

	for _, u := range doc.Users {
		if u.Email == "" {
			return fmt.Errorf("op=seed.user: email is required")
		}
		role := u.Role
		if role == "" {
			role = "user"
		}
		balance := u.Balance
		if balance == "" {
			balance = "0.00"
		}
		if _, err := decimal.NewFromString(balance); err != nil {
			return fmt.Errorf("op=seed.user email=%s balance=%q: %w", u.Email, u.Balance, err)
		}
		_, err := pool.Exec(ctx,
			`INSERT INTO users (first_name, last_name, email, role, balance)
			 VALUES ($1, $2, $3, $4, $5::numeric)
			 ON CONFLICT (email) DO NOTHING`,
			u.FirstName, u.LastName, u.Email, role, balance)
		if err != nil {
			return fmt.Errorf("op=seed.user email=%s: %w", u.Email, err)
		}
	}

	slog.Info("seed applied",
		slog.Int("models", len(doc.Models)),
		slog.Int("users", len(doc.Users)),
		slog.String("file", path))
	return nil
}
