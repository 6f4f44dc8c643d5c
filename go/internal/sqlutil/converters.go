package sqlutil

import (
	"errors"

	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// Helper functions for converting between domain types and pgtype values

// ToNullCard converts an optional selection to a nullable smallint
func ToNullCard(val *models.CardValue) pgtype.Int2 {
	if val == nil {
		return pgtype.Int2{Valid: false}
	}
	return pgtype.Int2{Int16: int16(*val), Valid: true}
}

// FromNullCard converts a nullable smallint to an optional selection
func FromNullCard(val pgtype.Int2) *models.CardValue {
	if !val.Valid {
		return nil
	}
	return models.Card(models.CardValue(val.Int16))
}

// IsUniqueViolation reports a duplicate key error
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
