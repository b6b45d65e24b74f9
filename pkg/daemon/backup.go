package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/internal/fsutil"
	"github.com/TeoSlayer/hopwire/pkg/recovery"
	"github.com/TeoSlayer/hopwire/pkg/session"
)

const backupSuffix = ".backup"

// backupStore keeps one sealed state backup per established session. The
// backup is sealed under the session's emergency key, so only a holder of
// the PSK can open it.
type backupStore struct {
	dir string
}

func newBackupStore(dir string) (*backupStore, error) {
	if err := fsutil.EnsureDir(dir, 0700); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	return &backupStore{dir: dir}, nil
}

func backupPath(dir string, id uint64) string {
	return filepath.Join(dir, hexID(id)+backupSuffix)
}

func (b *backupStore) Save(s *session.Session) error {
	_, sealed, err := s.Backup()
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(backupPath(b.dir, s.ID()), sealed[:], 0600)
}

func (b *backupStore) Remove(id uint64) {
	os.Remove(backupPath(b.dir, id))
}

// LoadBackup opens the stored backup of session id. The emergency key
// depends on the date, so yesterday's key is tried as well.
func LoadBackup(dir string, psk []byte, id uint64, now time.Time) (recovery.Backup, error) {
	data, err := os.ReadFile(backupPath(dir, id))
	if err != nil {
		return recovery.Backup{}, err
	}
	if len(data) != crypto.SealedBackupSize {
		return recovery.Backup{}, fmt.Errorf("backup %s: %d bytes, want %d", hexID(id), len(data), crypto.SealedBackupSize)
	}
	var sealed [crypto.SealedBackupSize]byte
	copy(sealed[:], data)

	var lastErr error
	for _, t := range []time.Time{now, now.Add(-24 * time.Hour)} {
		daily := crypto.DailyKey(psk, t)
		key := crypto.EmergencyKey(daily, id)
		daily.Wipe()
		bk, err := recovery.OpenState(key, sealed, id, recovery.StoredRound)
		key.Wipe()
		if err == nil {
			return bk, nil
		}
		lastErr = err
	}
	return recovery.Backup{}, lastErr
}

// sweepLoop periodically forgets stale rate-limit, block and discovery
// state and refreshes session backups.
func (d *Daemon) sweepLoop() error {
	ticker := time.NewTicker(d.config.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return nil
		case <-ticker.C:
			d.sweep(d.clock.Now())
		}
	}
}

func (d *Daemon) sweep(now time.Time) {
	d.synSource.Reap(now, SYNMemory)
	d.synGlobal.Reap(now, SYNMemory)
	d.synSeen.Reap(now)
	d.blocked.Reap(now)
	d.reapDiscoveries(now)
	if d.backups == nil {
		return
	}
	d.sessions.Range(func(s *session.Session) bool {
		if s.State() != session.StateEstablished {
			return true
		}
		if err := d.backups.Save(s); err != nil {
			d.log.Debug("session backup failed", "session_id", hexID(s.ID()), "error", err)
		}
		return true
	})
}
