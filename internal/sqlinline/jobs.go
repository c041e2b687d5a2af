package sqlinline

// AI generation jobs.

const QInsertAIJob = `--sql b4d27fc2-b710-4daa-91a6-c130326f3d49
insert into ai_jobs (id, user_id, status, progress, prompt, settings_json, metadata)
values ($1::uuid, $2::uuid, $3, $4, $5, $6::jsonb, $7::jsonb)
returning created_at, updated_at;
`

const QGetAIJob = `--sql 5fe9b593-a401-40c2-b983-8a4d4ad442ff
select id::text, user_id::text, status, progress, prompt, settings_json, metadata, timings,
       output_image_key, output_glb_key, output_stl_key, preview_keys, error, created_at, updated_at
from ai_jobs
where id = $1::uuid;
`

const QListAIJobsByUser = `--sql eb8391ae-8f26-4e19-bb36-39d05faa1ffb
select id::text, user_id::text, status, progress, prompt, settings_json, metadata, timings,
       output_image_key, output_glb_key, output_stl_key, preview_keys, error, created_at, updated_at
from ai_jobs
where user_id = $1::uuid
order by created_at desc
limit $2::int offset $3::int;
`

const QSaveAIJob = `--sql 36324a9a-10e5-4083-890c-8f0bef16d1b3
update ai_jobs
set status = $2,
    progress = $3,
    timings = $4::jsonb,
    output_image_key = $5,
    output_glb_key = $6,
    output_stl_key = $7,
    preview_keys = $8::jsonb,
    error = $9,
    updated_at = now()
where id = $1::uuid
returning updated_at;
`

const QQueueAIJob = `--sql ed87787e-7b91-4fb3-8c09-86ad47228be8
update ai_jobs
set status = 'queued', progress = 0, updated_at = now()
where id = $1::uuid;
`

// Scan (photogrammetry) jobs.

const QInsertScanJob = `--sql bbd3e964-8689-4caa-9d09-4ec34122f31a
insert into scan_jobs (id, user_id, status, progress, input_keys, metadata)
values ($1::uuid, $2::uuid, $3, $4, $5::jsonb, $6::jsonb)
returning created_at, updated_at;
`

const QGetScanJob = `--sql a642d58a-00b4-44dd-bbfa-f946a3e3aa2a
select id::text, user_id::text, status, progress, input_keys, metadata, timings,
       output_glb_key, output_stl_key, preview_keys, error, created_at, updated_at
from scan_jobs
where id = $1::uuid;
`

const QListScanJobsByUser = `--sql c368aea2-b594-41f9-9d03-f41eea649c48
select id::text, user_id::text, status, progress, input_keys, metadata, timings,
       output_glb_key, output_stl_key, preview_keys, error, created_at, updated_at
from scan_jobs
where user_id = $1::uuid
order by created_at desc
limit $2::int offset $3::int;
`

const QSaveScanJob = `--sql da857f18-fce5-4b60-96ac-83cd42ef5dc2
update scan_jobs
set status = $2,
    progress = $3,
    timings = $4::jsonb,
    output_glb_key = $5,
    output_stl_key = $6,
    preview_keys = $7::jsonb,
    error = $8,
    updated_at = now()
where id = $1::uuid
returning updated_at;
`

const QAppendScanInputKey = `--sql 97e96f1e-df0a-4762-9cc8-ec18f0e12352
update scan_jobs
set input_keys = input_keys || jsonb_build_array($2::text),
    updated_at = now()
where id = $1::uuid;
`

const QQueueScanJob = `--sql 0b0519e4-bfbe-480c-85bc-221de55217ce
update scan_jobs
set status = 'queued', progress = 0, updated_at = now()
where id = $1::uuid;
`
