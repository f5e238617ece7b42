// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package demo seeds a fresh database with the demo catalog, the home page
// texts and an admin account, and resets demo installations daily.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/content"
	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/product"
	"github.com/qvtbox/qvtbox-go/internal/role"
)

// Seeder writes the demo data. Every step is an upsert, so seeding twice
// leaves the same rows.
type Seeder struct {
	Products *product.Repository
	Content  *content.Repository
	Auth     *auth.Service
	Roles    *role.Repository
	Logger   *slog.Logger
}

type seedProduct struct {
	slug, name, description, price string
	tags                           []string
}

type seedCategory struct {
	slug, name, description string
	products                []seedProduct
}

var catalog = []seedCategory{
	{
		slug:        "coffrets",
		name:        "Coffrets bien-être",
		description: "Des box thématiques pour prendre soin de soi au travail.",
		products: []seedProduct{
			{"box-serenite", "Box Sérénité", "Tisanes, bougie et carnet de respiration pour relâcher la pression.", "39.90", []string{"stress", "detente"}},
			{"box-energie", "Box Énergie", "En-cas sains et routines courtes pour retrouver de l'élan.", "34.90", []string{"energie", "motivation"}},
			{"box-cohesion", "Box Cohésion", "Jeux et défis d'équipe pour renforcer les liens.", "49.90", []string{"equipe", "lien-social"}},
		},
	},
	{
		slug:        "entreprise",
		name:        "Offres entreprise",
		description: "Abonnements et accompagnements pour les équipes RH.",
		products: []seedProduct{
			{"abonnement-equipe", "Abonnement équipe", "Une box par salarié chaque trimestre, avec tableau de bord QVT.", "29.00", []string{"abonnement"}},
			{"atelier-qvt", "Atelier QVT", "Atelier de deux heures animé sur site ou à distance.", "450.00", []string{"atelier"}},
		},
	},
}

var homeTexts = []struct {
	section, key, text string
}{
	{"hero", "title", "Prenez soin de vos équipes, une box à la fois"},
	{"hero", "subtitle", "La QVT Box accompagne salariés et RH avec des coffrets, un journal d'humeur et des indicateurs d'équipe."},
	{"features", "journal", "Un journal d'humeur quotidien, privé et bienveillant."},
	{"features", "dashboard", "Un tableau de bord anonyme pour suivre le climat de l'équipe."},
	{"cta", "contact", "Parlons de votre projet"},
}

// Catalog inserts or refreshes the demo categories, products and home page.
func (s *Seeder) Catalog(ctx context.Context) error {
	count := 0
	for i, c := range catalog {
		cat, err := s.Products.SaveCategory(ctx, product.Category{
			Name:        c.name,
			Slug:        c.slug,
			Description: c.description,
			SortOrder:   i,
		})
		if err != nil {
			return err
		}
		for j, p := range c.products {
			saved, err := s.Products.Save(ctx, product.Draft{
				Name:        p.name,
				Slug:        p.slug,
				Description: p.description,
				Price:       decimal.RequireFromString(p.price),
				CategoryID:  cat.ID,
				SortOrder:   j,
			})
			if err != nil {
				return err
			}
			if err := s.Products.SetTags(ctx, saved.ID, p.tags); err != nil {
				return err
			}
			count++
		}
	}

	for _, t := range homeTexts {
		slot := content.Slot{Page: "home", Section: t.section, Key: t.key}
		if _, err := s.Content.UpsertByKey(ctx, slot, content.TypeText, content.TextValue(t.text), ""); err != nil {
			return fmt.Errorf("seeding %s: %w", slot, err)
		}
	}

	s.logger().Info("demo catalog seeded", "categories", len(catalog), "products", count, "texts", len(homeTexts))
	return nil
}

// Admin creates the admin account unless the email is taken. An empty
// password creates an account that signs in by email code.
func (s *Seeder) Admin(ctx context.Context, email, password string) error {
	u, err := s.Auth.CreateUser(ctx, email, password, "Administrateur")
	if errors.Is(err, gateway.ErrConflict) {
		s.logger().Info("admin account already exists, skipping", "email", email)
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating admin: %w", err)
	}
	if _, err := s.Roles.Assign(ctx, u.ID, role.Admin); err != nil {
		return fmt.Errorf("assigning admin role: %w", err)
	}
	s.logger().Info("created admin account", "user_id", u.ID, "email", email, "password_sign_in", password != "")
	return nil
}

func (s *Seeder) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
