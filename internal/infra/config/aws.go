package config

// S3Config configures the document backend. Each key is one JSON object
// under Prefix in Bucket. The bucket must already exist.
type S3Config struct {
	Region       string `mapstructure:"region"         validate:"required"`
	Bucket       string `mapstructure:"bucket"         validate:"required,s3bucket"`
	Prefix       string `mapstructure:"prefix"`
	Endpoint     string `mapstructure:"endpoint"       validate:"omitempty,url"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}
