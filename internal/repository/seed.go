package repository

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/mmeshcher/library-circulation/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type seedBorrower struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	IsBanned    bool   `json:"is_banned"`
	BorrowLimit int    `json:"borrow_limit"`
}

type seedItem struct {
	Type            string `json:"type"`
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	AvailableCopies int    `json:"available_copies"`
	IsApproved      bool   `json:"is_approved"`
}

type seed struct {
	Borrowers []seedBorrower `json:"borrowers"`
	Items     []seedItem     `json:"items"`
}

const defaultBorrowLimit = 5

// LoadSeed заполняет хранилище читателями и каталогом из JSON вида
// {"borrowers": [...], "items": [...]}. Возвращает число загруженных записей.
func (r *MemoryRepository) LoadSeed(src io.Reader) (int, error) {
	var s seed
	if err := json.NewDecoder(src).Decode(&s); err != nil {
		return 0, fmt.Errorf("decode seed: %w", err)
	}

	borrowers := make([]model.Borrower, 0, len(s.Borrowers))
	for _, b := range s.Borrowers {
		role, err := model.ParseRole(b.Role)
		if err != nil {
			return 0, fmt.Errorf("borrower %d: %w", b.ID, err)
		}
		limit := b.BorrowLimit
		if limit <= 0 {
			limit = defaultBorrowLimit
		}
		borrowers = append(borrowers, model.Borrower{
			ID:          b.ID,
			Name:        b.Name,
			Email:       b.Email,
			Role:        role,
			IsBanned:    b.IsBanned,
			BorrowLimit: limit,
			Allowance:   limit,
		})
	}

	items := make([]model.CatalogItem, 0, len(s.Items))
	for _, it := range s.Items {
		ref := model.ItemRef{Kind: model.ItemKind(it.Type), ID: it.ID}
		if err := ref.Validate(); err != nil {
			return 0, err
		}
		if it.AvailableCopies < 0 {
			return 0, fmt.Errorf("item %s: negative copies", ref)
		}
		items = append(items, model.CatalogItem{
			Ref:             ref,
			Title:           it.Title,
			AvailableCopies: it.AvailableCopies,
			IsApproved:      it.IsApproved,
		})
	}

	for _, b := range borrowers {
		r.PutBorrower(b)
	}
	for _, it := range items {
		r.PutItem(it)
	}
	return len(borrowers) + len(items), nil
}
