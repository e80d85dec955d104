package domain

// Operation は準同型演算の種別を表す。
type Operation string

const (
	OpAdd        Operation = "add"
	OpSubtract   Operation = "subtract"
	OpMultiply   Operation = "multiply"
	OpNegate     Operation = "negate"
	OpRotate     Operation = "rotate"
	OpSquare     Operation = "square"
	OpPolynomial Operation = "polynomial"
	// OpRotateRows はBFV/BGVの2行を入れ替える。
	OpRotateRows Operation = "rotateRows"
	// OpConjugate はCKKSの複素共役をとる。
	OpConjugate Operation = "conjugate"
)

// AllOperations は定義済みの演算をすべて返す。
func AllOperations() []Operation {
	return []Operation{
		OpAdd, OpSubtract, OpMultiply, OpNegate, OpRotate,
		OpSquare, OpPolynomial, OpRotateRows, OpConjugate,
	}
}

// ParseOperation は文字列から演算種別を解釈する。
func ParseOperation(s string) (Operation, bool) {
	for _, op := range AllOperations() {
		if string(op) == s {
			return op, true
		}
	}
	return "", false
}

// capabilities は方式ごとの静的な対応表。
var capabilities = map[SchemeKind]map[Operation]bool{
	SchemeCKKS: {
		OpAdd: true, OpSubtract: true, OpMultiply: true, OpNegate: true,
		OpRotate: true, OpSquare: true, OpPolynomial: true, OpConjugate: true,
	},
	SchemeBFV: {
		OpAdd: true, OpSubtract: true, OpMultiply: true, OpNegate: true,
		OpRotate: true, OpSquare: true, OpPolynomial: true, OpRotateRows: true,
	},
	SchemeBGV: {
		OpAdd: true, OpSubtract: true, OpMultiply: true, OpNegate: true,
		OpRotate: true, OpSquare: true, OpPolynomial: true, OpRotateRows: true,
	},
}

// IsOperationSupported は方式が演算に対応しているかを返す。
// 表に無い組み合わせはすべて false。
func IsOperationSupported(kind SchemeKind, op Operation) bool {
	return capabilities[kind][op]
}

// NeedsRelinearization は暗号文サイズを増やす演算かどうかを返す。
func (op Operation) NeedsRelinearization() bool {
	return op == OpMultiply || op == OpSquare || op == OpPolynomial
}

// NeedsGaloisKeys はガロア鍵を必要とする演算かどうかを返す。
func (op Operation) NeedsGaloisKeys() bool {
	return op == OpRotate || op == OpRotateRows || op == OpConjugate
}
