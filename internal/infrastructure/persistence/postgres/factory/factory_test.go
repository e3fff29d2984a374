package postgres_factory

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-funnel-bot/internal/infrastructure/config"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/database"
)

func TestFactoryReusesRepositories(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rf, err := NewRepositoryFactory(RepositoryDependencies{DatabaseService: database.NewWithDB(sqlx.NewDb(db, "sqlmock"))})
	require.NoError(t, err)

	first, err := rf.CreateTransactionRepository()
	require.NoError(t, err)
	second, err := rf.CreateTransactionRepository()
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = rf.CreateInviteRepository()
	assert.NoError(t, err)
}

func TestFactoryWithoutConnection(t *testing.T) {
	rf, err := NewRepositoryFactory(RepositoryDependencies{DatabaseService: database.NewDatabaseService(&config.Config{})})
	require.NoError(t, err)

	_, err = rf.CreateUserRepository()
	assert.Error(t, err)

	_, err = NewRepositoryFactory(RepositoryDependencies{})
	assert.Error(t, err)
}
