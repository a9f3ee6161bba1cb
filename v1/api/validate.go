package api

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mirkobrombin/go-lend/v1/model"
)

var (
	isbnPrefix  = regexp.MustCompile(`^(?:ISBN(?:-1[03])?:?\s*)?`)
	isbnCharset = regexp.MustCompile(`^[-0-9X]{10,17}$`)
	isbnBody    = regexp.MustCompile(`^(?:97[89][- ]?)?[0-9]{1,5}[- ]?[0-9]+[- ]?[0-9]+[- ]?[0-9X]$`)
)

// validISBN accepts ISBN-10 and ISBN-13 spellings, with or without an
// "ISBN" label and with hyphen or space separators. Checksums are not
// verified.
func validISBN(s string) bool {
	rest := isbnPrefix.ReplaceAllString(s, "")
	return isbnCharset.MatchString(rest) && isbnBody.MatchString(rest)
}

// recordPayload is the request body of POST /api/v1/books. Numbers are
// pointers so a missing field is told apart from zero.
type recordPayload struct {
	ISBN            string `json:"isbn" validate:"notblank,isbn_format"`
	Title           string `json:"title" validate:"notblank"`
	Author          string `json:"author" validate:"notblank"`
	PublicationYear *int   `json:"publicationYear" validate:"required,min=1000,max=9999"`
	AvailableCopies *int   `json:"availableCopies" validate:"required,min=0"`
}

func (p recordPayload) record() model.Record {
	return model.Record{
		Key:             p.ISBN,
		Title:           p.Title,
		Author:          p.Author,
		PublicationYear: *p.PublicationYear,
		AvailableCopies: *p.AvailableCopies,
	}
}

var messages = map[string]string{
	"isbn.notblank":            "ISBN is required",
	"isbn.isbn_format":         "Invalid ISBN format",
	"title.notblank":           "Title is required",
	"author.notblank":          "Author is required",
	"publicationYear.required": "Publication year is required",
	"publicationYear.min":      "Publication year must be a valid year",
	"publicationYear.max":      "Publication year must be a valid year",
	"availableCopies.required": "Available copies is required",
	"availableCopies.min":      "Available copies cannot be less than 0",
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("isbn_format", func(fl validator.FieldLevel) bool {
		return validISBN(fl.Field().String())
	})
	return v
}

// describe turns validation failures into the sorted
// "[field: f, error: msg]" list used as problem detail.
func describe(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		msg, ok := messages[fe.Field()+"."+fe.Tag()]
		if !ok {
			msg = "failed " + fe.Tag()
		}
		parts = append(parts, fmt.Sprintf("[field: %s, error: %s]", fe.Field(), msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
