package validator

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	sqlIdentRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
	s3BucketRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)
	natsNameRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
)

// isSQLIdent checks that a table name can be interpolated into a statement.
func isSQLIdent(fl validator.FieldLevel) bool {
	return sqlIdentRegex.MatchString(fl.Field().String())
}

// isS3Bucket checks the general S3 bucket naming rules.
func isS3Bucket(fl validator.FieldLevel) bool {
	return s3BucketRegex.MatchString(fl.Field().String())
}

// isNATSBucket checks a JetStream key-value bucket name.
func isNATSBucket(fl validator.FieldLevel) bool {
	return natsNameRegex.MatchString(fl.Field().String())
}

// RegisterCustomValidators registers custom validation functions with the validator.
func RegisterCustomValidators(validate *validator.Validate) error {
	rules := map[string]validator.Func{
		"sqlident":   isSQLIdent,
		"s3bucket":   isS3Bucket,
		"natsbucket": isNATSBucket,
	}
	for tag, fn := range rules {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	return nil
}

// IsSQLIdent reports whether name is safe to use as a table name.
func IsSQLIdent(name string) bool {
	return sqlIdentRegex.MatchString(name)
}
