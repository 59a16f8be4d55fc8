package repository

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"carelink/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRosterRepository_Exists(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRosterRepository(db)
	ctx := context.Background()
	probe := regexp.QuoteMeta(`SELECT "id" FROM "patient_roster" WHERE email = $1 AND doctor_email = $2`)

	tests := []struct {
		name         string
		mockBehavior func()
		want         bool
		wantErr      bool
	}{
		{
			name: "present",
			mockBehavior: func() {
				mock.ExpectQuery(probe).
					WithArgs("ada@example.com", "grey@clinic.example", 1).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
			},
			want: true,
		},
		{
			name: "no row is not an error",
			mockBehavior: func() {
				mock.ExpectQuery(probe).
					WithArgs("ada@example.com", "grey@clinic.example", 1).
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
			},
			want: false,
		},
		{
			name: "backend failure",
			mockBehavior: func() {
				mock.ExpectQuery(probe).
					WithArgs("ada@example.com", "grey@clinic.example", 1).
					WillReturnError(errors.New("timeout"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.mockBehavior()
			got, err := repo.Exists(ctx, "ada@example.com", "grey@clinic.example")
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, models.IsNotFound(err))
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRosterRepository_CreateIfAbsent_SQL(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRosterRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "patient_roster" .*ON CONFLICT \("email","doctor_email"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	created, err := repo.CreateIfAbsent(context.Background(), &models.RosterMembership{
		Name: "Ada Patient", Email: "ada@example.com", DoctorEmail: "grey@clinic.example", Age: 41,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepository_CreateIfAbsent_Idempotent(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewRosterRepository(db)
	ctx := context.Background()

	newMember := func() *models.RosterMembership {
		return &models.RosterMembership{Name: "Ada Patient", Email: "ada@example.com", DoctorEmail: "grey@clinic.example", Age: 41}
	}

	created, err := repo.CreateIfAbsent(ctx, newMember())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, newMember())
	require.NoError(t, err)
	assert.False(t, created)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateIfAbsent(ctx, newMember())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	members, err := repo.ListByDoctor(ctx, "grey@clinic.example")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	exists, err := repo.Exists(ctx, "ada@example.com", "grey@clinic.example")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.Exists(ctx, "ada@example.com", "house@clinic.example")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRosterRepository_Integration_UniquePair(t *testing.T) {
	if integrationDB == nil {
		t.Skip("CARELINK_INTEGRATION not enabled")
	}
	repo := NewRosterRepository(integrationDB)
	ctx := context.Background()

	m := &models.RosterMembership{Name: "Int Patient", Email: "int@example.com", DoctorEmail: "int-doc@example.com"}
	_, err := repo.CreateIfAbsent(ctx, m)
	require.NoError(t, err)

	created, err := repo.CreateIfAbsent(ctx, &models.RosterMembership{Name: "Int Patient", Email: "int@example.com", DoctorEmail: "int-doc@example.com"})
	require.NoError(t, err)
	assert.False(t, created)
}
