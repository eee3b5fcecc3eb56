package app

import (
	"github.com/yungbote/neurobridge-risk/internal/data/repos"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
)

// wireRepos returns nil when no database is configured.
func wireRepos(clients *Clients, log *logger.Logger) *repos.Repos {
	if clients == nil || clients.DB == nil {
		return nil
	}
	log.Info("Wiring repos...")
	return repos.New(clients.DB.DB(), log)
}
