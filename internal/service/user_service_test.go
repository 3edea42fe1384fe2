package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ItsYash1421/CloseUs-sub000/internal/models"
	appErrors "github.com/ItsYash1421/CloseUs-sub000/pkg/errors"
)

type profileStoreStub struct {
	users   map[string]*models.User
	updated *models.User
}

func newProfileStoreStub(users ...*models.User) *profileStoreStub {
	s := &profileStoreStub{users: map[string]*models.User{}}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *profileStoreStub) FindByID(_ context.Context, id string) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *user
	return &copied, nil
}

func (s *profileStoreStub) UpdateProfile(_ context.Context, user *models.User) error {
	s.updated = user
	s.users[user.ID] = user
	return nil
}

func TestUserServiceGetProfile(t *testing.T) {
	store := newProfileStoreStub(&models.User{ID: "u1", Email: "ana@example.com", DisplayName: "Ana"})
	svc := NewUserService(store, nil, nil)

	user, err := svc.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", user.DisplayName)

	_, err = svc.GetProfile(context.Background(), "missing")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestUserServiceUpdateProfileAppliesOnlyProvidedFields(t *testing.T) {
	anniversary := time.Date(2023, 6, 10, 0, 0, 0, 0, time.UTC)
	store := newProfileStoreStub(&models.User{ID: "u1", DisplayName: "Ana", AnniversaryDate: &anniversary})
	svc := NewUserService(store, nil, nil)

	newName := "Ana B"
	user, err := svc.UpdateProfile(context.Background(), "u1", models.UpdateProfileRequest{DisplayName: &newName})
	require.NoError(t, err)
	assert.Equal(t, "Ana B", user.DisplayName)
	// Omitted fields keep their stored values.
	require.NotNil(t, user.AnniversaryDate)
	assert.True(t, anniversary.Equal(*user.AnniversaryDate))
	require.NotNil(t, store.updated)
	assert.False(t, store.updated.UpdatedAt.IsZero())
}

func TestUserServiceUpdateProfileValidation(t *testing.T) {
	store := newProfileStoreStub(&models.User{ID: "u1", DisplayName: "Ana"})
	svc := NewUserService(store, nil, nil)

	tooLong := strings.Repeat("x", 61)
	_, err := svc.UpdateProfile(context.Background(), "u1", models.UpdateProfileRequest{DisplayName: &tooLong})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Nil(t, store.updated)
}
