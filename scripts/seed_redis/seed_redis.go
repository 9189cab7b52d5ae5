package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"fire-dispatch/radiostatus/internal/config"
	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/pkg/logger"
)

func main() {
	// config.Load merges .env when present
	cfg := config.Load()
	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	backend, err := store.NewRedisBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	defer backend.Close()
	fmt.Println("✓ Connected")

	records := store.NewRecords(backend, logger.NewNop())

	step1_collections(ctx, records)
	step2_api_keys(ctx, backend)
	step3_verify(ctx, records, backend)

	fmt.Println("\n✅ Redis seeded successfully")
	fmt.Println("   Run next: STORE_BACKEND=redis go run ./cmd/statusd")
}

var (
	stations = []domain.Station{
		{ID: "st-1", Name: "Feuerwache 1 Hauptwache", Code: "FW1"},
		{ID: "st-2", Name: "Feuerwache 2 Nord", Code: "FW2"},
	}

	users = []domain.User{
		{ID: "u-admin", Username: "admin", Role: domain.RoleAdministrator, Active: true},
		{ID: "u-disp-1", Username: "leitstelle1", Role: domain.RoleDispatcher, Active: true},
		{ID: "u-disp-2", Username: "leitstelle2", Role: domain.RoleDispatcher, Active: true},
		{ID: "u-fw1", Username: "hlf1.besatzung", Role: domain.RoleFirefighter, Station: "st-1", Active: true},
		{ID: "u-fw2", Username: "dlk2.besatzung", Role: domain.RoleFirefighter, Station: "st-2", Active: true},
		{ID: "u-chief", Username: "wachleiter", Role: domain.RoleChief, Station: "st-1", Active: true},
	}

	vehicles = []domain.Vehicle{
		{ID: "v-hlf-1", CallSign: "HLF-1", SpeechCallSign: "Florian Hauptwache eins", Station: "st-1", Status: domain.FreeAtStation},
		{ID: "v-rtw-1", CallSign: "RTW-1", SpeechCallSign: "Rotkreuz Hauptwache eins", Station: "st-1", Status: domain.FreeAtStation},
		{ID: "v-dlk-2", CallSign: "DLK-2", SpeechCallSign: "Florian Nord zwei", Station: "st-2", Status: domain.FreeAtStation},
		{ID: "v-elw-2", CallSign: "ELW-2", Station: "st-2", Status: domain.NotOccupied},
	}

	emergencies = []domain.Emergency{
		{
			ID:               "em-1",
			IncidentNumber:   "2026-000123",
			Title:            "Wohnungsbrand",
			Location:         "Hauptstraße 12",
			Status:           domain.EmergencyActive,
			AssignedVehicles: []string{"v-hlf-1", "v-dlk-2"},
		},
	}

	// Pattern: terminal:auth:{api_key} → user id, looked up by the
	// authenticator at level 2
	apiKeys = map[string]string{
		"console_1_key": "u-disp-1",
		"console_2_key": "u-disp-2",
		"hlf_1_key":     "u-fw1",
		"dlk_2_key":     "u-fw2",
		"test_key":      "u-admin",
	}
)

func step1_collections(ctx context.Context, records *store.Records) {
	fmt.Println("\n── Step 1: Seeding collections ─────────────────")

	now := time.Now().UTC()
	for i := range vehicles {
		vehicles[i].LastUpdate = now
	}
	for i := range emergencies {
		emergencies[i].CreatedAt = now
	}

	collections := []struct {
		name  string
		items any
		count int
	}{
		{domain.CollectionStations, stations, len(stations)},
		{domain.CollectionUsers, users, len(users)},
		{domain.CollectionVehicles, vehicles, len(vehicles)},
		{domain.CollectionEmergencies, emergencies, len(emergencies)},
		// Vehicles start at their seeded status, so the log starts empty.
		{domain.CollectionStatusLog, []domain.StatusLogEntry{}, 0},
	}
	for _, c := range collections {
		if err := records.Replace(ctx, c.name, c.items); err != nil {
			log.Fatalf("Failed to seed %s: %v", c.name, err)
		}
		fmt.Printf("  ✓ %-15s %d records\n", c.name, c.count)
	}
}

func step2_api_keys(ctx context.Context, backend *store.RedisBackend) {
	fmt.Println("\n── Step 2: Seeding API keys ────────────────────")

	for apiKey, userID := range apiKeys {
		key := "terminal:auth:" + apiKey
		if err := backend.Client().Set(ctx, key, userID, 0).Err(); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-35s → %s\n", key, userID)
	}
}

func step3_verify(ctx context.Context, records *store.Records, backend *store.RedisBackend) {
	fmt.Println("\n── Step 3: Verification ────────────────────────")

	if got := len(records.Vehicles(ctx)); got != len(vehicles) {
		log.Fatalf("Expected %d vehicles, read back %d", len(vehicles), got)
	}
	fmt.Printf("  ✓ %d vehicles readable\n", len(vehicles))

	userID, err := backend.GetAPIKey(ctx, "test_key")
	if err != nil || userID == "" {
		log.Fatalf("Spot check failed: %q, %v", userID, err)
	}
	fmt.Printf("  ✓ spot check: terminal:auth:test_key → %s\n", userID)
}
