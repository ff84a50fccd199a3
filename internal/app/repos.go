package app

import (
	"gorm.io/gorm"

	taskrepo "github.com/clipcaption/pipeline/internal/data/repos/tasks"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// Repos groups the Task Store's repository. It is a single field today
// because the pipeline core owns exactly one relational boundary; kept as
// a struct (not passed bare) so wiring stays consistent with how Services
// and Handlers are threaded through app.New.
type Repos struct {
	Tasks *taskrepo.Repo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Tasks: taskrepo.NewRepo(db, log),
	}
}
