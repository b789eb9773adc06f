package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wlm-go/internal/database/migrations"
	"wlm-go/internal/model"
	"wlm-go/internal/wlm"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRegistry implements the wlm.Registry interface using SQLite.
type SQLiteRegistry struct {
	db   *sql.DB
	path string
}

// NewSQLiteRegistry opens a registry at path.
// path can be a file path or ":memory:" for an in-memory registry.
// The schema is not touched; call Migrate to bring it up to date.
func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteRegistry{db: db, path: path}, nil
}

// NewSQLiteRegistryFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteRegistryFromDB(db *sql.DB) *SQLiteRegistry {
	return &SQLiteRegistry{db: db}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared between callers
	// and serializes writers from parallel capture workers.
	db.SetMaxOpenConns(1)

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Another wlm process may hold the write lock while it runs retention.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Migrate applies all pending schema migrations.
func (s *SQLiteRegistry) Migrate() error {
	return migrations.Up(s.db)
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Workload operations

func (s *SQLiteRegistry) CreateWorkload(w *model.Workload) error {
	_, err := s.db.Exec(`INSERT INTO workloads (id, name, vm_policy, keep_count, keep_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.VMPolicy, w.KeepCount, w.KeepDays, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating workload: %w", err)
	}
	return nil
}

const workloadColumns = `id, name, vm_policy, keep_count, keep_days, created_at`

func scanWorkload(row scanner) (*model.Workload, error) {
	var w model.Workload
	if err := row.Scan(&w.ID, &w.Name, &w.VMPolicy, &w.KeepCount, &w.KeepDays, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLiteRegistry) FindWorkload(id string) (*model.Workload, error) {
	w, err := scanWorkload(s.db.QueryRow(`SELECT `+workloadColumns+` FROM workloads WHERE id = ?`, id))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding workload: %w", err)
	}
	return w, nil
}

func (s *SQLiteRegistry) FindWorkloadByName(name string) (*model.Workload, error) {
	w, err := scanWorkload(s.db.QueryRow(`SELECT `+workloadColumns+` FROM workloads WHERE name = ?`, name))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding workload by name: %w", err)
	}
	return w, nil
}

func (s *SQLiteRegistry) ListWorkloads() ([]*model.Workload, error) {
	rows, err := s.db.Query(`SELECT ` + workloadColumns + ` FROM workloads ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing workloads: %w", err)
	}
	defer rows.Close()

	var result []*model.Workload
	for rows.Next() {
		w, err := scanWorkload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workload: %w", err)
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (s *SQLiteRegistry) AddWorkloadVM(vm *model.WorkloadVM) error {
	_, err := s.db.Exec(`INSERT INTO workload_vms (workload_id, vm_id, vm_name) VALUES (?, ?, ?)
		ON CONFLICT (workload_id, vm_id) DO UPDATE SET vm_name = excluded.vm_name`,
		vm.WorkloadID, vm.VMID, vm.VMName)
	if err != nil {
		return fmt.Errorf("adding workload vm: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) FindWorkloadVMs(workloadID string) ([]*model.WorkloadVM, error) {
	rows, err := s.db.Query(`SELECT workload_id, vm_id, vm_name FROM workload_vms
		WHERE workload_id = ? ORDER BY rowid`, workloadID)
	if err != nil {
		return nil, fmt.Errorf("finding workload vms: %w", err)
	}
	defer rows.Close()

	var result []*model.WorkloadVM
	for rows.Next() {
		var vm model.WorkloadVM
		if err := rows.Scan(&vm.WorkloadID, &vm.VMID, &vm.VMName); err != nil {
			return nil, fmt.Errorf("scanning workload vm: %w", err)
		}
		result = append(result, &vm)
	}
	return result, rows.Err()
}

// Snapshot operations

const snapshotColumns = `id, workload_id, snapshot_type, status, data_deleted, size, uploaded_size,
	restore_size, progress_msg, warning_msg, error_msg, cancel_requested, created_at, updated_at, finished_at`

func scanSnapshot(row scanner) (*model.Snapshot, error) {
	var snap model.Snapshot
	var finished sql.NullTime
	err := row.Scan(&snap.ID, &snap.WorkloadID, &snap.Type, &snap.Status, &snap.DataDeleted,
		&snap.Size, &snap.UploadedSize, &snap.RestoreSize, &snap.ProgressMsg, &snap.WarningMsg,
		&snap.ErrorMsg, &snap.CancelRequested, &snap.CreatedAt, &snap.UpdatedAt, &finished)
	if err != nil {
		return nil, err
	}
	snap.FinishedAt = timePtr(finished)
	return &snap, nil
}

func (s *SQLiteRegistry) CreateSnapshot(snap *model.Snapshot) error {
	_, err := s.db.Exec(`INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.WorkloadID, snap.Type, snap.Status, snap.DataDeleted, snap.Size, snap.UploadedSize,
		snap.RestoreSize, snap.ProgressMsg, snap.WarningMsg, snap.ErrorMsg, snap.CancelRequested,
		snap.CreatedAt, snap.UpdatedAt, nullTime(snap.FinishedAt))
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) FindSnapshot(id string) (*model.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLiteRegistry) FindSnapshotsByWorkload(workloadID string) ([]*model.Snapshot, error) {
	rows, err := s.db.Query(`SELECT `+snapshotColumns+` FROM snapshots
		WHERE workload_id = ? ORDER BY created_at DESC, rowid DESC`, workloadID)
	if err != nil {
		return nil, fmt.Errorf("finding snapshots: %w", err)
	}
	defer rows.Close()

	var result []*model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *SQLiteRegistry) UpdateSnapshot(snap *model.Snapshot) error {
	res, err := s.db.Exec(`UPDATE snapshots SET snapshot_type = ?, status = ?, data_deleted = ?, size = ?,
		restore_size = ?, progress_msg = ?, warning_msg = ?, error_msg = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		snap.Type, snap.Status, snap.DataDeleted, snap.Size, snap.RestoreSize, snap.ProgressMsg,
		snap.WarningMsg, snap.ErrorMsg, snap.UpdatedAt, nullTime(snap.FinishedAt), snap.ID)
	if err != nil {
		return fmt.Errorf("updating snapshot: %w", err)
	}
	return expectOneRow(res, "snapshot", snap.ID)
}

func (s *SQLiteRegistry) AddSnapshotProgress(id string, n int64) error {
	if _, err := s.db.Exec(`UPDATE snapshots SET uploaded_size = uploaded_size + ? WHERE id = ?`, n, id); err != nil {
		return fmt.Errorf("adding snapshot progress: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) SetSnapshotProgressMsg(id, msg string) error {
	if _, err := s.db.Exec(`UPDATE snapshots SET progress_msg = ? WHERE id = ?`, msg, id); err != nil {
		return fmt.Errorf("setting snapshot progress message: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) RequestSnapshotCancel(id string) error {
	res, err := s.db.Exec(`UPDATE snapshots SET cancel_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("requesting snapshot cancel: %w", err)
	}
	return expectOneRow(res, "snapshot", id)
}

func (s *SQLiteRegistry) SnapshotCancelRequested(id string) (bool, error) {
	var cancel bool
	err := s.db.QueryRow(`SELECT cancel_requested FROM snapshots WHERE id = ?`, id).Scan(&cancel)
	if err != nil {
		return false, fmt.Errorf("reading snapshot cancel flag: %w", err)
	}
	return cancel, nil
}

// SnapshotVMResource operations

const resourceColumns = `id, snapshot_id, vm_id, vm_name, resource_type, resource_name, stable_id,
	snapshot_type, status, size, restore_size, metadata, error_msg, created_at, finished_at`

func scanResource(row scanner) (*model.SnapshotVMResource, error) {
	var r model.SnapshotVMResource
	var metadata string
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.SnapshotID, &r.VMID, &r.VMName, &r.ResourceType, &r.ResourceName,
		&r.StableID, &r.SnapshotType, &r.Status, &r.Size, &r.RestoreSize, &metadata, &r.ErrorMsg,
		&r.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
		return nil, fmt.Errorf("decoding resource metadata: %w", err)
	}
	r.FinishedAt = timePtr(finished)
	return &r, nil
}

func (s *SQLiteRegistry) CreateResource(r *model.SnapshotVMResource) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encoding resource metadata: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO snapshot_vm_resources (`+resourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SnapshotID, r.VMID, r.VMName, r.ResourceType, r.ResourceName, r.StableID,
		r.SnapshotType, r.Status, r.Size, r.RestoreSize, string(metadata), r.ErrorMsg,
		r.CreatedAt, nullTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("creating resource: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) FindResource(id string) (*model.SnapshotVMResource, error) {
	r, err := scanResource(s.db.QueryRow(`SELECT `+resourceColumns+` FROM snapshot_vm_resources WHERE id = ?`, id))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding resource: %w", err)
	}
	return r, nil
}

func (s *SQLiteRegistry) FindResourcesBySnapshot(snapshotID string) ([]*model.SnapshotVMResource, error) {
	rows, err := s.db.Query(`SELECT `+resourceColumns+` FROM snapshot_vm_resources
		WHERE snapshot_id = ? ORDER BY rowid`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("finding resources: %w", err)
	}
	defer rows.Close()

	var result []*model.SnapshotVMResource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning resource: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLiteRegistry) UpdateResource(r *model.SnapshotVMResource) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encoding resource metadata: %w", err)
	}
	res, err := s.db.Exec(`UPDATE snapshot_vm_resources SET snapshot_type = ?, status = ?, size = ?,
		restore_size = ?, metadata = ?, error_msg = ?, finished_at = ? WHERE id = ?`,
		r.SnapshotType, r.Status, r.Size, r.RestoreSize, string(metadata), r.ErrorMsg,
		nullTime(r.FinishedAt), r.ID)
	if err != nil {
		return fmt.Errorf("updating resource: %w", err)
	}
	return expectOneRow(res, "resource", r.ID)
}

// DeltaArtifact operations

const artifactColumns = `id, snapshot_vm_resource_id, backing_id, child_id, top, vault_path, size,
	restore_size, content_metadata, status, error_msg, created_at, finished_at`

func scanArtifact(row scanner) (*model.DeltaArtifact, error) {
	var a model.DeltaArtifact
	var backing, child sql.NullString
	var content string
	var finished sql.NullTime
	err := row.Scan(&a.ID, &a.ResourceID, &backing, &child, &a.Top, &a.VaultPath, &a.Size,
		&a.RestoreSize, &content, &a.Status, &a.ErrorMsg, &a.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &a.ContentMetadata); err != nil {
		return nil, fmt.Errorf("decoding content metadata: %w", err)
	}
	a.BackingID = backing.String
	a.ChildID = child.String
	a.FinishedAt = timePtr(finished)
	return &a, nil
}

func (s *SQLiteRegistry) CreateArtifact(a *model.DeltaArtifact) error {
	content, err := json.Marshal(a.ContentMetadata)
	if err != nil {
		return fmt.Errorf("encoding content metadata: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO delta_artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, NULL, 0, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		a.ID, a.ResourceID, nullString(a.BackingID), a.VaultPath, a.Size, a.RestoreSize,
		string(content), model.ArtifactCreating, a.ErrorMsg, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	a.Status = model.ArtifactCreating
	a.ChildID = ""
	a.Top = false
	return nil
}

func (s *SQLiteRegistry) CommitArtifact(id string, info model.ArtifactCommit) error {
	content, err := json.Marshal(info.ContentMetadata)
	if err != nil {
		return fmt.Errorf("encoding content metadata: %w", err)
	}

	return s.inTx(func(tx *sql.Tx) error {
		a, err := findArtifact(tx, id)
		if err != nil {
			return err
		}
		if a == nil {
			return wlm.NotFound("artifact %s", id)
		}
		if a.Status != model.ArtifactCreating {
			return wlm.InvalidState("artifact %s is %s, not %s", id, a.Status, model.ArtifactCreating)
		}

		if a.BackingID != "" {
			backing, err := findArtifact(tx, a.BackingID)
			if err != nil {
				return err
			}
			if backing == nil || backing.Status != model.ArtifactAvailable {
				return wlm.ChainIntegrity("backing artifact %s of %s is not available", a.BackingID, id)
			}
			if backing.ChildID != "" && backing.ChildID != id {
				return wlm.ChainIntegrity("backing artifact %s already has child %s", backing.ID, backing.ChildID)
			}
			if _, err := tx.Exec(`UPDATE delta_artifacts SET child_id = ?, top = 0 WHERE id = ?`, id, a.BackingID); err != nil {
				return fmt.Errorf("linking backing artifact: %w", err)
			}
		}

		_, err = tx.Exec(`UPDATE delta_artifacts SET status = ?, top = 1, size = ?, restore_size = ?,
			content_metadata = ?, error_msg = '', finished_at = ? WHERE id = ?`,
			model.ArtifactAvailable, info.Size, info.RestoreSize, string(content), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("committing artifact: %w", err)
		}
		return nil
	})
}

func (s *SQLiteRegistry) FailArtifact(id, status, msg string) error {
	res, err := s.db.Exec(`UPDATE delta_artifacts SET status = ?, error_msg = ?, top = 0, finished_at = ?
		WHERE id = ? AND status = ?`,
		status, msg, time.Now().UTC(), id, model.ArtifactCreating)
	if err != nil {
		return fmt.Errorf("failing artifact: %w", err)
	}
	return expectOneRow(res, "creating artifact", id)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func findArtifact(q querier, id string) (*model.DeltaArtifact, error) {
	a, err := scanArtifact(q.QueryRow(`SELECT `+artifactColumns+` FROM delta_artifacts WHERE id = ?`, id))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding artifact: %w", err)
	}
	return a, nil
}

func queryArtifacts(q querier, query string, args ...any) ([]*model.DeltaArtifact, error) {
	rows, err := q.Query(`SELECT `+artifactColumns+` FROM delta_artifacts `+query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var result []*model.DeltaArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *SQLiteRegistry) FindArtifact(id string) (*model.DeltaArtifact, error) {
	return findArtifact(s.db, id)
}

func (s *SQLiteRegistry) FindArtifactsByResource(resourceID string) ([]*model.DeltaArtifact, error) {
	return queryArtifacts(s.db, `WHERE snapshot_vm_resource_id = ? ORDER BY created_at, rowid`, resourceID)
}

func (s *SQLiteRegistry) FindArtifactChild(id string) (*model.DeltaArtifact, error) {
	as, err := queryArtifacts(s.db, `WHERE backing_id = ? AND status = ?`, id, model.ArtifactAvailable)
	if err != nil {
		return nil, err
	}
	switch len(as) {
	case 0:
		return nil, nil
	case 1:
		return as[0], nil
	default:
		return nil, wlm.ChainIntegrity("artifact %s has %d available children", id, len(as))
	}
}

func (s *SQLiteRegistry) ResolveChain(resourceID string) ([]*model.DeltaArtifact, error) {
	var chain []*model.DeltaArtifact
	err := s.inTx(func(tx *sql.Tx) error {
		leaves, err := queryArtifacts(tx, `WHERE snapshot_vm_resource_id = ? AND status = ?`,
			resourceID, model.ArtifactAvailable)
		if err != nil {
			return err
		}
		if len(leaves) == 0 {
			return nil
		}
		if len(leaves) > 1 {
			return wlm.ChainIntegrity("resource %s has %d available artifacts", resourceID, len(leaves))
		}

		// The walk can never be longer than the number of artifacts that exist.
		var limit int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM delta_artifacts`).Scan(&limit); err != nil {
			return fmt.Errorf("counting artifacts: %w", err)
		}

		seen := map[string]bool{}
		cur := leaves[0]
		for {
			if seen[cur.ID] || len(chain) >= limit {
				return wlm.ChainIntegrity("cycle in backing chain of resource %s at artifact %s", resourceID, cur.ID)
			}
			seen[cur.ID] = true
			chain = append(chain, cur)
			if cur.BackingID == "" {
				break
			}
			next, err := findArtifact(tx, cur.BackingID)
			if err != nil {
				return err
			}
			if next == nil {
				return wlm.ChainIntegrity("artifact %s references missing backing %s", cur.ID, cur.BackingID)
			}
			if next.Status != model.ArtifactAvailable {
				return wlm.ChainIntegrity("backing artifact %s is %s", next.ID, next.Status)
			}
			if next.ChildID != cur.ID {
				return wlm.ChainIntegrity("backing artifact %s links child %q, want %s", next.ID, next.ChildID, cur.ID)
			}
			cur = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Root first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *SQLiteRegistry) FindPriorAvailableLineage(vmID, stableID, excludingSnapshotID string) (*model.PriorLineage, error) {
	var artifactID string
	err := s.db.QueryRow(`SELECT a.id FROM delta_artifacts a
		JOIN snapshot_vm_resources r ON r.id = a.snapshot_vm_resource_id
		JOIN snapshots s ON s.id = r.snapshot_id
		WHERE r.vm_id = ? AND r.stable_id = ? AND r.resource_type = ?
		  AND a.status = ? AND a.top = 1
		  AND s.id != ? AND s.status != ?
		ORDER BY s.created_at DESC, s.rowid DESC
		LIMIT 1`,
		vmID, stableID, model.ResourceDisk, model.ArtifactAvailable, excludingSnapshotID, model.StatusDeleted,
	).Scan(&artifactID)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding prior lineage: %w", err)
	}

	a, err := s.FindArtifact(artifactID)
	if err != nil {
		return nil, err
	}
	r, err := s.FindResource(a.ResourceID)
	if err != nil {
		return nil, err
	}
	snap, err := s.FindSnapshot(r.SnapshotID)
	if err != nil {
		return nil, err
	}
	return &model.PriorLineage{Snapshot: snap, Resource: r, Artifact: a}, nil
}

func (s *SQLiteRegistry) MergeArtifacts(m model.ArtifactMerge) error {
	content, err := json.Marshal(m.ContentMetadata)
	if err != nil {
		return fmt.Errorf("encoding content metadata: %w", err)
	}

	return s.inTx(func(tx *sql.Tx) error {
		removed, err := findArtifact(tx, m.RemovedID)
		if err != nil {
			return err
		}
		if removed == nil {
			return wlm.NotFound("artifact %s", m.RemovedID)
		}
		survivor, err := findArtifact(tx, m.SurvivorID)
		if err != nil {
			return err
		}
		if survivor == nil {
			return wlm.NotFound("artifact %s", m.SurvivorID)
		}
		if survivor.BackingID != removed.ID || removed.ChildID != survivor.ID {
			return wlm.ChainIntegrity("artifact %s is not backed by %s", survivor.ID, removed.ID)
		}
		if removed.BackingID != m.ParentID {
			return wlm.ChainIntegrity("artifact %s is backed by %q, not %q", removed.ID, removed.BackingID, m.ParentID)
		}

		if err := detachFailed(tx, removed.ID); err != nil {
			return err
		}

		// child_id is unique, so the removed artifact gives up its child
		// before the parent takes it over.
		if _, err := tx.Exec(`UPDATE delta_artifacts SET child_id = NULL WHERE id = ?`, removed.ID); err != nil {
			return fmt.Errorf("unlinking removed artifact: %w", err)
		}
		_, err = tx.Exec(`UPDATE delta_artifacts SET backing_id = ?, size = ?, content_metadata = ? WHERE id = ?`,
			nullString(m.ParentID), m.Size, string(content), survivor.ID)
		if err != nil {
			return fmt.Errorf("relinking survivor: %w", err)
		}
		if m.ParentID != "" {
			if _, err := tx.Exec(`UPDATE delta_artifacts SET child_id = ?, top = 0 WHERE id = ?`, survivor.ID, m.ParentID); err != nil {
				return fmt.Errorf("relinking parent: %w", err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM delta_artifacts WHERE id = ?`, removed.ID); err != nil {
			return fmt.Errorf("deleting removed artifact: %w", err)
		}
		return nil
	})
}

func (s *SQLiteRegistry) DeleteArtifact(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := detachFailed(tx, id); err != nil {
			return err
		}

		var dependents int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM delta_artifacts WHERE backing_id = ?`, id).Scan(&dependents); err != nil {
			return fmt.Errorf("counting dependent artifacts: %w", err)
		}
		if dependents > 0 {
			return wlm.InvalidState("artifact %s still backs %d artifact(s)", id, dependents)
		}

		// The backing artifact becomes the head of its lineage again.
		_, err := tx.Exec(`UPDATE delta_artifacts SET child_id = NULL, top = 1 WHERE child_id = ? AND status = ?`,
			id, model.ArtifactAvailable)
		if err != nil {
			return fmt.Errorf("unlinking backing artifact: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM delta_artifacts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting artifact: %w", err)
		}
		return nil
	})
}

// detachFailed drops the backing link of failed or abandoned transfers on
// top of id so the row can go away. Those artifacts are never restored.
func detachFailed(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`UPDATE delta_artifacts SET backing_id = NULL WHERE backing_id = ? AND status != ?`,
		id, model.ArtifactAvailable)
	if err != nil {
		return fmt.Errorf("detaching failed artifacts: %w", err)
	}
	return nil
}

// Lineage leases

func (s *SQLiteRegistry) AcquireLease(key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.inTx(func(tx *sql.Tx) error {
		var current string
		var expires time.Time
		err := tx.QueryRow(`SELECT holder, expires_at FROM lineage_leases WHERE lease_key = ?`, key).Scan(&current, &expires)
		if err != nil && !notFound(err) {
			return fmt.Errorf("reading lease: %w", err)
		}
		if err == nil && current != holder && expires.After(now) {
			return nil
		}

		_, err = tx.Exec(`INSERT INTO lineage_leases (lease_key, holder, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (lease_key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at`,
			key, holder, now.Add(ttl).UTC())
		if err != nil {
			return fmt.Errorf("writing lease: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *SQLiteRegistry) RenewLease(key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.Exec(`UPDATE lineage_leases SET expires_at = ? WHERE lease_key = ? AND holder = ?`,
		now.Add(ttl).UTC(), key, holder)
	if err != nil {
		return false, fmt.Errorf("renewing lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renewing lease: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteRegistry) ReleaseLease(key, holder string) error {
	if _, err := s.db.Exec(`DELETE FROM lineage_leases WHERE lease_key = ? AND holder = ?`, key, holder); err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// Snapshot mounts

func (s *SQLiteRegistry) CreateMount(m *model.SnapshotMount) error {
	_, err := s.db.Exec(`INSERT INTO snapshot_mounts (snapshot_id, resource_id, vm_name, resource_name, image_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.SnapshotID, m.ResourceID, m.VMName, m.ResourceName, m.ImagePath, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating mount: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) FindMountsBySnapshot(snapshotID string) ([]*model.SnapshotMount, error) {
	return s.queryMounts(`WHERE snapshot_id = ?`, snapshotID)
}

func (s *SQLiteRegistry) ListMounts() ([]*model.SnapshotMount, error) {
	return s.queryMounts(``)
}

func (s *SQLiteRegistry) queryMounts(where string, args ...any) ([]*model.SnapshotMount, error) {
	rows, err := s.db.Query(`SELECT snapshot_id, resource_id, vm_name, resource_name, image_path, created_at
		FROM snapshot_mounts `+where+` ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("finding mounts: %w", err)
	}
	defer rows.Close()

	var result []*model.SnapshotMount
	for rows.Next() {
		var m model.SnapshotMount
		if err := rows.Scan(&m.SnapshotID, &m.ResourceID, &m.VMName, &m.ResourceName, &m.ImagePath, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning mount: %w", err)
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

func (s *SQLiteRegistry) DeleteMounts(snapshotID string) error {
	if _, err := s.db.Exec(`DELETE FROM snapshot_mounts WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("deleting mounts: %w", err)
	}
	return nil
}

// Restore operations

const restoreColumns = `id, snapshot_id, status, size, uploaded_size, options, progress_msg, warning_msg,
	error_msg, cancel_requested, created_at, updated_at, finished_at`

func scanRestore(row scanner) (*model.Restore, error) {
	var r model.Restore
	var options string
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.SnapshotID, &r.Status, &r.Size, &r.UploadedSize, &options, &r.ProgressMsg,
		&r.WarningMsg, &r.ErrorMsg, &r.CancelRequested, &r.CreatedAt, &r.UpdatedAt, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &r.Options); err != nil {
		return nil, fmt.Errorf("decoding restore options: %w", err)
	}
	r.FinishedAt = timePtr(finished)
	return &r, nil
}

func (s *SQLiteRegistry) CreateRestore(r *model.Restore) error {
	options, err := json.Marshal(r.Options)
	if err != nil {
		return fmt.Errorf("encoding restore options: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO restores (`+restoreColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SnapshotID, r.Status, r.Size, r.UploadedSize, string(options), r.ProgressMsg,
		r.WarningMsg, r.ErrorMsg, r.CancelRequested, r.CreatedAt, r.UpdatedAt, nullTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("creating restore: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) FindRestore(id string) (*model.Restore, error) {
	r, err := scanRestore(s.db.QueryRow(`SELECT `+restoreColumns+` FROM restores WHERE id = ?`, id))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding restore: %w", err)
	}
	return r, nil
}

func (s *SQLiteRegistry) UpdateRestore(r *model.Restore) error {
	res, err := s.db.Exec(`UPDATE restores SET status = ?, size = ?, progress_msg = ?, warning_msg = ?,
		error_msg = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
		r.Status, r.Size, r.ProgressMsg, r.WarningMsg, r.ErrorMsg, r.UpdatedAt, nullTime(r.FinishedAt), r.ID)
	if err != nil {
		return fmt.Errorf("updating restore: %w", err)
	}
	return expectOneRow(res, "restore", r.ID)
}

func (s *SQLiteRegistry) AddRestoreProgress(id string, n int64) error {
	if _, err := s.db.Exec(`UPDATE restores SET uploaded_size = uploaded_size + ? WHERE id = ?`, n, id); err != nil {
		return fmt.Errorf("adding restore progress: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) SetRestoreProgressMsg(id, msg string) error {
	if _, err := s.db.Exec(`UPDATE restores SET progress_msg = ? WHERE id = ?`, msg, id); err != nil {
		return fmt.Errorf("setting restore progress message: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) RequestRestoreCancel(id string) error {
	res, err := s.db.Exec(`UPDATE restores SET cancel_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("requesting restore cancel: %w", err)
	}
	return expectOneRow(res, "restore", id)
}

func (s *SQLiteRegistry) RestoreCancelRequested(id string) (bool, error) {
	var cancel bool
	err := s.db.QueryRow(`SELECT cancel_requested FROM restores WHERE id = ?`, id).Scan(&cancel)
	if err != nil {
		return false, fmt.Errorf("reading restore cancel flag: %w", err)
	}
	return cancel, nil
}

func (s *SQLiteRegistry) CreateRestoredVM(vm *model.RestoredVM) error {
	_, err := s.db.Exec(`INSERT INTO restored_vms (id, restore_id, source_vm_id, vm_id, vm_name, status, error_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		vm.ID, vm.RestoreID, vm.SourceVMID, vm.VMID, vm.VMName, vm.Status, vm.ErrorMsg, vm.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating restored vm: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) UpdateRestoredVM(vm *model.RestoredVM) error {
	res, err := s.db.Exec(`UPDATE restored_vms SET vm_id = ?, vm_name = ?, status = ?, error_msg = ? WHERE id = ?`,
		vm.VMID, vm.VMName, vm.Status, vm.ErrorMsg, vm.ID)
	if err != nil {
		return fmt.Errorf("updating restored vm: %w", err)
	}
	return expectOneRow(res, "restored vm", vm.ID)
}

func (s *SQLiteRegistry) FindRestoredVMs(restoreID string) ([]*model.RestoredVM, error) {
	rows, err := s.db.Query(`SELECT id, restore_id, source_vm_id, vm_id, vm_name, status, error_msg, created_at
		FROM restored_vms WHERE restore_id = ? ORDER BY rowid`, restoreID)
	if err != nil {
		return nil, fmt.Errorf("finding restored vms: %w", err)
	}
	defer rows.Close()

	var result []*model.RestoredVM
	for rows.Next() {
		var vm model.RestoredVM
		if err := rows.Scan(&vm.ID, &vm.RestoreID, &vm.SourceVMID, &vm.VMID, &vm.VMName, &vm.Status,
			&vm.ErrorMsg, &vm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning restored vm: %w", err)
		}
		result = append(result, &vm)
	}
	return result, rows.Err()
}

func (s *SQLiteRegistry) CreateRestoredVMResource(r *model.RestoredVMResource) error {
	_, err := s.db.Exec(`INSERT INTO restored_vm_resources (id, restored_vm_id, resource_id, resource_name, status, size, error_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RestoredVMID, r.ResourceID, r.ResourceName, r.Status, r.Size, r.ErrorMsg, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating restored vm resource: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) UpdateRestoredVMResource(r *model.RestoredVMResource) error {
	res, err := s.db.Exec(`UPDATE restored_vm_resources SET status = ?, size = ?, error_msg = ? WHERE id = ?`,
		r.Status, r.Size, r.ErrorMsg, r.ID)
	if err != nil {
		return fmt.Errorf("updating restored vm resource: %w", err)
	}
	return expectOneRow(res, "restored vm resource", r.ID)
}

func (s *SQLiteRegistry) FindRestoredVMResources(restoredVMID string) ([]*model.RestoredVMResource, error) {
	rows, err := s.db.Query(`SELECT id, restored_vm_id, resource_id, resource_name, status, size, error_msg, created_at
		FROM restored_vm_resources WHERE restored_vm_id = ? ORDER BY rowid`, restoredVMID)
	if err != nil {
		return nil, fmt.Errorf("finding restored vm resources: %w", err)
	}
	defer rows.Close()

	var result []*model.RestoredVMResource
	for rows.Next() {
		var r model.RestoredVMResource
		if err := rows.Scan(&r.ID, &r.RestoredVMID, &r.ResourceID, &r.ResourceName, &r.Status, &r.Size,
			&r.ErrorMsg, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning restored vm resource: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// Operation tracking

func (s *SQLiteRegistry) CreateOperation(operation string, parameters string) (*model.Operation, error) {
	op := &model.Operation{
		Operation:  operation,
		Parameters: parameters,
		StartedAt:  time.Now().UTC(),
		Status:     "running",
	}
	res, err := s.db.Exec(`INSERT INTO operations (operation, parameters, started_at, status) VALUES (?, ?, ?, ?)`,
		op.Operation, op.Parameters, op.StartedAt, op.Status)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	op.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return op, nil
}

func (s *SQLiteRegistry) FinishOperation(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`, time.Now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) ListOperations(limit int) ([]*model.Operation, error) {
	rows, err := s.db.Query(`SELECT id, operation, parameters, started_at, finished_at, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var result []*model.Operation
	for rows.Next() {
		var op model.Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.StartedAt, &finished, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.FinishedAt = timePtr(finished)
		result = append(result, &op)
	}
	return result, rows.Err()
}

func (s *SQLiteRegistry) MaxOperationID() (int64, error) {
	var id int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM operations`).Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max operation ID: %w", err)
	}
	return id, nil
}

// Path returns the database file path (or ":memory:" for in-memory registries).
func (s *SQLiteRegistry) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteRegistry) CheckMigrations() error {
	return migrations.Check(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteRegistry) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteRegistry) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// inTx runs fn in a transaction, committing if it returns nil.
func (s *SQLiteRegistry) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return wlm.NotFound("%s %s", what, id)
	}
	return nil
}

// Compile-time check that SQLiteRegistry implements wlm.Registry interface
var _ wlm.Registry = (*SQLiteRegistry)(nil)
