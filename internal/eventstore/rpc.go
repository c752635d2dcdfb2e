package eventstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveRpc opens a new rpc_calls row marking the start of a request/response
// pair within a session (spec §3).
func (db *DB) SaveRpc(sessionID, method string) (*RpcCall, error) {
	release := db.lockSession(sessionID)
	defer release()

	rpc := &RpcCall{
		RpcID:     uuid.New().String(),
		SessionID: sessionID,
		Method:    method,
		RequestTS: time.Now().UTC(),
	}
	_, err := db.Exec(
		`INSERT INTO rpc_calls (rpc_id, session_id, method, request_ts) VALUES (?, ?, ?, ?)`,
		rpc.RpcID, rpc.SessionID, rpc.Method, rpc.RequestTS,
	)
	if err != nil {
		return nil, fmt.Errorf("saving rpc call for session %s: %w", sessionID, err)
	}
	return rpc, nil
}

// CompleteRpc records the outcome of a previously opened rpc call.
func (db *DB) CompleteRpc(sessionID, rpcID string, success bool, errorCode *string) error {
	release := db.lockSession(sessionID)
	defer release()

	res, err := db.Exec(
		`UPDATE rpc_calls SET response_ts = ?, success = ?, error_code = ? WHERE rpc_id = ? AND session_id = ?`,
		time.Now().UTC(), success, errorCode, rpcID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("completing rpc call %s: %w", rpcID, err)
	}
	return requireRowAffected(res, "rpc_call", rpcID)
}

// GetRpc loads a single rpc call by id within a session.
func (db *DB) GetRpc(sessionID, rpcID string) (*RpcCall, error) {
	row := db.QueryRow(
		`SELECT rpc_id, session_id, method, request_ts, response_ts, success, error_code
		 FROM rpc_calls WHERE rpc_id = ? AND session_id = ?`, rpcID, sessionID)
	return scanRpc(row)
}

// GetRpcByID loads a single rpc call by id regardless of session, for
// @rpc:<id> resolution when no session is selected (spec §4.11).
func (db *DB) GetRpcByID(rpcID string) (*RpcCall, error) {
	row := db.QueryRow(
		`SELECT rpc_id, session_id, method, request_ts, response_ts, success, error_code
		 FROM rpc_calls WHERE rpc_id = ?`, rpcID)
	return scanRpc(row)
}

// LatestRpcInSession returns the most recently started rpc call in a
// session, for @last resolution when a session is selected (spec §4.11).
func (db *DB) LatestRpcInSession(sessionID string) (*RpcCall, error) {
	row := db.QueryRow(
		`SELECT rpc_id, session_id, method, request_ts, response_ts, success, error_code
		 FROM rpc_calls WHERE session_id = ? ORDER BY request_ts DESC, rowid DESC LIMIT 1`, sessionID)
	return scanRpc(row)
}

// ListRpcBySession returns all rpc calls for a session, oldest first.
func (db *DB) ListRpcBySession(sessionID string) ([]*RpcCall, error) {
	rows, err := db.Query(
		`SELECT rpc_id, session_id, method, request_ts, response_ts, success, error_code
		 FROM rpc_calls WHERE session_id = ? ORDER BY request_ts ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RpcCall
	for rows.Next() {
		r, err := scanRpc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRpc(row scanner) (*RpcCall, error) {
	var r RpcCall
	var responseTS sql.NullTime
	var success sql.NullBool
	var errorCode sql.NullString

	err := row.Scan(&r.RpcID, &r.SessionID, &r.Method, &r.RequestTS, &responseTS, &success, &errorCode)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rpc call not found")
	}
	if err != nil {
		return nil, err
	}
	if responseTS.Valid {
		r.ResponseTS = &responseTS.Time
	}
	if success.Valid {
		r.Success = &success.Bool
	}
	if errorCode.Valid {
		r.ErrorCode = &errorCode.String
	}
	return &r, nil
}
