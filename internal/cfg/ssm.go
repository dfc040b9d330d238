package cfg

import (
	"context"
	"flag"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// FillFromSSM reads every parameter under prefix (recursively, decrypted) and
// applies it to the flag named by the parameter's basename, lowercased with
// "_" mapped to "-". /genx/gateway/RATE_LIMIT_BURST sets -rate-limit-burst.
// Flags already set by the CLI, env or aliases are left alone, so SSM only
// replaces defaults. Unknown parameters are logged and skipped.
func FillFromSSM(ctx context.Context, fs *flag.FlagSet, client ssm.GetParametersByPathAPIClient, prefix string, logf func(string, ...any)) error {
	set := setFlags(fs)

	p := ssm.NewGetParametersByPathPaginator(client, &ssm.GetParametersByPathInput{
		Path:           aws.String(prefix),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("ssm get parameters by path %q: %w", prefix, err)
		}
		for _, prm := range page.Parameters {
			name := aws.ToString(prm.Name)
			flagName := strings.ReplaceAll(strings.ToLower(path.Base(name)), "_", "-")
			if fs.Lookup(flagName) == nil {
				if logf != nil {
					logf("ssm parameter %s: no flag -%s, skipping", name, flagName)
				}
				continue
			}
			overlay(fs, set, flagName, aws.ToString(prm.Value), "ssm "+name, logf)
		}
	}
	return nil
}
