package database

const schema = `
CREATE TABLE IF NOT EXISTS mi_accounts (
    sid TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    pass_token TEXT NOT NULL,
    ssecurity TEXT NOT NULL,
    service_token TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`
