package orchestrator

import (
	"io"
	"os"

	"github.com/valpere/retrain/internal/archive"
	"github.com/valpere/retrain/internal/logging"
	"github.com/valpere/retrain/internal/params"
)

// DefaultSeed is used when the configuration has no random_seed.
const DefaultSeed = 13370

// Environment is the process-level setup a fine-tune run depends on. It is
// built once by the caller and never changed by the workflow.
type Environment struct {
	Seed   int64
	Logger *logging.Logger

	// Progress receives batch progress. Defaults to stderr.
	Progress io.Writer

	// FileFriendly switches progress output to slow, line-based updates.
	FileFriendly bool
}

// PrepareEnvironment reads random_seed from p and returns an Environment
// logging to logger. A nil logger discards everything.
func PrepareEnvironment(p *params.Params, logger *logging.Logger, fileFriendly bool) (Environment, error) {
	seed, err := p.Int("random_seed", DefaultSeed)
	if err != nil {
		return Environment{}, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return Environment{
		Seed:         int64(seed),
		Logger:       logger,
		Progress:     os.Stderr,
		FileFriendly: fileFriendly,
	}, nil
}

// Inputs are the loaded model bundle and the merged run configuration.
type Inputs struct {
	Archive *archive.Archive
	Params  *params.Params
}

// Close releases the unpacked bundle.
func (in *Inputs) Close() error {
	return in.Archive.Close()
}

// LoadInputs loads the model bundle at archivePath and the configuration at
// configFile merged with the JSON overrides. Loader errors are returned
// unchanged: *archive.LoadError and *params.ParseError.
func LoadInputs(archivePath, configFile, overrides string) (*Inputs, error) {
	a, err := archive.Load(archivePath)
	if err != nil {
		return nil, err
	}
	p, err := params.FromFile(configFile, overrides)
	if err != nil {
		a.Close()
		return nil, err
	}
	return &Inputs{Archive: a, Params: p}, nil
}
