package api

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/ansledger/internal/ledger"
	"github.com/odyssey-erp/ansledger/internal/ledger/cnpj"
	"github.com/odyssey-erp/ansledger/internal/platform/httpx"
)

// OperatorInput is the payload for creating an operator.
type OperatorInput struct {
	TaxID          string `json:"cnpj" validate:"required,cnpj"`
	RegistryNumber int64  `json:"registro_ans" validate:"required,gt=0,lte=999999"`
	LegalName      string `json:"razao_social" validate:"required,max=255"`
	StateCode      string `json:"uf" validate:"omitempty,len=2,alpha"`
	Modality       string `json:"modalidade" validate:"max=120"`
}

func (in OperatorInput) entity() ledger.RegistryEntity {
	return ledger.RegistryEntity{
		TaxID:          cnpj.Pad(cnpj.Clean(in.TaxID)),
		RegistryNumber: in.RegistryNumber,
		LegalName:      strings.TrimSpace(in.LegalName),
		StateCode:      strings.ToUpper(strings.TrimSpace(in.StateCode)),
		Modality:       strings.TrimSpace(in.Modality),
	}
}

// OperatorUpdate is the payload for updating an operator.
type OperatorUpdate struct {
	LegalName string `json:"razao_social" validate:"required,max=255"`
	StateCode string `json:"uf" validate:"omitempty,len=2,alpha"`
	Modality  string `json:"modalidade" validate:"max=120"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func operatorValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("cnpj", func(fl validator.FieldLevel) bool {
			return cnpj.IsValid(fl.Field().String())
		})
	})
	return validate
}

// validateOperator reports struct tag failures as field errors keyed by the
// JSON name.
func validateOperator(in any) error {
	err := operatorValidator().Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := httpx.FieldErrors{}
	for _, fe := range fieldErrs {
		out[jsonName(fe.Field())] = fe.Tag()
	}
	return out
}

var jsonNames = map[string]string{
	"TaxID":          "cnpj",
	"RegistryNumber": "registro_ans",
	"LegalName":      "razao_social",
	"StateCode":      "uf",
	"Modality":       "modalidade",
}

func jsonName(field string) string {
	if name, ok := jsonNames[field]; ok {
		return name
	}
	return strings.ToLower(field)
}
