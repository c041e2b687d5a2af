package sqlinline

const QGetAsset = `--sql e3f94571-071f-4584-86d5-8849592aa0d1
select id::text, creator_id::text, title, description, tags, license, visibility,
       is_paid, price, currency, model_object_key, thumb_object_key,
       preview_object_keys, metadata, published_at, created_at
from assets
where id = $1::uuid;
`

const QInsertAsset = `--sql 5b9e0c27-4d1a-4f3e-b6a8-93c2f07d1e54
insert into assets (
    id, creator_id, title, description, tags, license, visibility, is_paid, price,
    currency, model_object_key, thumb_object_key, preview_object_keys, metadata
)
values (
    $1::uuid, $2::uuid, $3, $4, $5::jsonb, $6, 'draft', $7, $8,
    $9, $10, $11, $12::jsonb, $13::jsonb
)
returning created_at;
`

const QPublishAsset = `--sql 8e41c6d3-2f7b-4a90-9d15-c0a7e3b26f88
update assets
set visibility = 'published', published_at = now(), updated_at = now()
where id = $1::uuid
returning published_at;
`

const QHasSucceededPurchase = `--sql d772bbcc-a04e-48f5-8a16-66ff9fbd7021
select exists (
    select 1 from purchases
    where user_id = $1::uuid and asset_id = $2::uuid and status = 'succeeded'
);
`

const QHasActiveSubscription = `--sql 217ea82b-ef5f-46bb-a143-906b40cac4f7
select exists (
    select 1 from subscriptions
    where user_id = $1::uuid and status in ('active', 'trialing')
);
`

const QInsertDownload = `--sql 2af749be-b1ac-42f9-896c-78818febb85b
insert into downloads (id, user_id, asset_id, ip, user_agent, country)
values ($1::uuid, $2::uuid, $3::uuid, nullif($4, ''), nullif($5, ''), nullif($6, ''))
returning created_at;
`

const QUpsertSubscription = `--sql 12e95510-dc84-40ca-82f7-d5fd408dea5a
insert into subscriptions (id, user_id, stripe_customer_id, stripe_subscription_id, status)
values ($1::uuid, $2::uuid, $3, $4, $5)
on conflict (stripe_customer_id) do update
set status = excluded.status;
`
