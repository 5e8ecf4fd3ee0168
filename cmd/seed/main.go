package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxtrace/prescription-service/internal/db"
	"github.com/rxtrace/prescription-service/internal/prescription"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	doctors, err := seedUsers(context.Background(), pool, "doctor", 50)
	if err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if _, err := seedUsers(context.Background(), pool, "pharmacist", 30); err != nil {
		log.Fatalf("seed pharmacists: %v", err)
	}
	patients, err := seedUsers(context.Background(), pool, "patient", 2000)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	if err := seedPrescriptions(context.Background(), pool, doctors, patients, 500); err != nil {
		log.Fatalf("seed prescriptions: %v", err)
	}

	log.Println("seed complete")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, role string, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d %ss", count, role)

	const batchSize = 500

	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO users (id, name, email, role, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, id, name, email, role)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}

			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Printf("%ss seeded: %d/%d", role, end, count)
	}

	return ids, nil
}

func seedPrescriptions(ctx context.Context, pool *pgxpool.Pool, doctors, patients []uuid.UUID, count int) error {
	log.Printf("seeding %d prescriptions", count)

	diagnoses := []string{
		"Acute bronchitis",
		"Hypertension",
		"Type 2 diabetes",
		"Seasonal allergic rhinitis",
		"Migraine",
		"Lower back pain",
		"Otitis media",
		"Urinary tract infection",
	}

	medicines := []string{
		"Amoxicillin", "Lisinopril", "Metformin", "Loratadine",
		"Sumatriptan", "Ibuprofen", "Nitrofurantoin", "Omeprazole",
	}

	repo := prescription.NewPgRepository(pool)

	for i := 0; i < count; i++ {
		doctor := doctors[gofakeit.Number(0, len(doctors)-1)]
		patient := patients[gofakeit.Number(0, len(patients)-1)]

		p := &prescription.Prescription{
			ReferenceNumber: "RX-" + time.Now().Format("20060102") + "-" + gofakeit.DigitN(4),
			PatientID:       patient,
			DoctorID:        doctor,
			VisitID:         uuid.New(),
			Diagnosis:       diagnoses[gofakeit.Number(0, len(diagnoses)-1)],
			Notes:           gofakeit.Sentence(8),
			Status:          prescription.StatusPending,
			Items: []prescription.Item{
				{
					MedicineName: medicines[gofakeit.Number(0, len(medicines)-1)],
					Dosage:       "500mg",
					Frequency:    "twice daily",
					Quantity:     gofakeit.Number(10, 60),
					Instructions: "take with food",
				},
			},
		}

		if _, err := repo.Create(ctx, p); err != nil {
			return err
		}
	}

	log.Println("prescriptions seeded")
	return nil
}
