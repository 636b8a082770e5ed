package main

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/secrets"
	"github.com/hanko-field/checkout/internal/services"
)

// envValues reads trimmed settings from the merged config environment.
type envValues map[string]string

func (e envValues) get(key string) string { return strings.TrimSpace(e[key]) }

func (e envValues) or(fallback string, keys ...string) string {
	for _, key := range keys {
		if v := e.get(key); v != "" {
			return v
		}
	}
	return fallback
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	values := envValues(env)
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     values.or("dev", "CHECKOUT_BUILD_VERSION"),
		CommitSHA:   values.or("unknown", "CHECKOUT_BUILD_COMMIT_SHA"),
		Environment: environment,
		StartedAt:   started,
	}
}

// traceProjectID picks the GCP project used in Cloud Logging trace links.
func traceProjectID(cfg config.Config, env map[string]string) string {
	if id := strings.TrimSpace(cfg.Events.ProjectID); id != "" {
		return id
	}
	return envValues(env).get("CHECKOUT_SECRET_DEFAULT_PROJECT_ID")
}

// newSecretFetcher runs before config.Load, so it reads its own settings
// straight from the environment.
func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	values := envValues(env)
	opts := []secrets.Option{
		secrets.WithEnvironment(strings.ToLower(values.or("local", "CHECKOUT_ENVIRONMENT"))),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(values.or(".secrets.local", "CHECKOUT_SECRET_FALLBACK_FILE")),
	}
	if project := values.or("", "CHECKOUT_SECRET_DEFAULT_PROJECT_ID", "CHECKOUT_PUBSUB_PROJECT_ID"); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if projects := parseKeyValueList(values.get("CHECKOUT_SECRET_PROJECT_IDS")); len(projects) > 0 {
		byLabel := make(map[string]string, len(projects))
		for label, project := range projects {
			byLabel[strings.ToLower(label)] = project
		}
		opts = append(opts, secrets.WithProjectMap(byLabel))
	}
	if pins := secretVersionPinsFromEnv(env); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if file := values.get("CHECKOUT_SECRET_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the config fields that must resolve before the
// server starts. Optional ones count only when configured as references.
func requiredSecretNames(env map[string]string) []string {
	values := envValues(env)
	names := []string{"PSP.StripeAPIKey"}
	if values.get("CHECKOUT_STOREFRONT_PUBLISHABLE_KEY") != "" {
		names = append(names, "Storefront.PublishableKey")
	}
	if strings.HasPrefix(values.get("CHECKOUT_REDIS_URL"), "secret://") {
		names = append(names, "Redis.URL")
	}
	slices.Sort(names)
	return names
}

// secretVersionPinsFromEnv parses CHECKOUT_SECRET_VERSION_PINS entries such as
// "prod:sm://psp/stripe=3" into fetcher pins keyed by canonical secret:// refs.
func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(env["CHECKOUT_SECRET_VERSION_PINS"]) {
		label := ""
		if before, after, ok := strings.Cut(ref, ":"); ok && before != "" && !strings.HasPrefix(after, "//") {
			label, ref = strings.ToLower(strings.TrimSpace(before))+":", strings.TrimSpace(after)
		}
		if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
			ref = rest
		}
		if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[label+ref] = version
	}
	return pins
}

// parseKeyValueList reads "a=b, c=d", skipping entries without both halves.
func parseKeyValueList(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if found && key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}
