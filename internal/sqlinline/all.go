package sqlinline

// All returns every statement keyed by constant name. Used by tests that
// check marker hygiene.
func All() map[string]string {
	return map[string]string{
		"QInsertAIJob":           QInsertAIJob,
		"QGetAIJob":              QGetAIJob,
		"QListAIJobsByUser":      QListAIJobsByUser,
		"QSaveAIJob":             QSaveAIJob,
		"QQueueAIJob":            QQueueAIJob,
		"QInsertScanJob":         QInsertScanJob,
		"QGetScanJob":            QGetScanJob,
		"QListScanJobsByUser":    QListScanJobsByUser,
		"QSaveScanJob":           QSaveScanJob,
		"QAppendScanInputKey":    QAppendScanInputKey,
		"QQueueScanJob":          QQueueScanJob,
		"QGetAsset":              QGetAsset,
		"QInsertAsset":           QInsertAsset,
		"QPublishAsset":          QPublishAsset,
		"QHasSucceededPurchase":  QHasSucceededPurchase,
		"QHasActiveSubscription": QHasActiveSubscription,
		"QInsertDownload":        QInsertDownload,
		"QUpsertSubscription":    QUpsertSubscription,
	}
}
